// Command debugsearch runs one query against a single configured engine and
// prints what the adapter returned, bypassing aggregation and plugins.
//
//	debugsearch [-config settings.yml] [-engine id] [-pageno n] "query"
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/talven/internal/app"
	"github.com/hyperifyio/talven/internal/engine"
)

func main() {
	var (
		configPath string
		engineID   string
		pageNo     int
		lang       string
	)
	flag.StringVar(&configPath, "config", "settings.yml", "Path to the settings file")
	flag.StringVar(&engineID, "engine", "", "Engine id; the first configured engine when empty")
	flag.IntVar(&pageNo, "pageno", 1, "Result page")
	flag.StringVar(&lang, "lang", "", "Search locale, e.g. en or de-CH")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	text := strings.Join(flag.Args(), " ")
	if text == "" {
		text = "What is love?"
	}
	cfg, err := app.LoadSettings(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load settings")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()
	registry, err := app.NewRegistry(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init")
	}
	cache, err := app.OpenEngineCache(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open engine cache")
	}

	if engineID == "" {
		engineID = registry.Descriptors()[0].ID
	}
	entry, ok := registry.Get(engineID)
	if !ok {
		log.Fatal().Str("engine", engineID).Msg("unknown engine")
	}
	q, err := engine.NewQuery(text, nil, []string{engineID}, lang, engine.SafeSearchOff, pageNo, "")
	if err != nil {
		log.Fatal().Err(err).Msg("query")
	}
	traits, _ := cache.Get(engineID)

	start := time.Now()
	resp, err := entry.Engine.Search(ctx, q, traits)
	fmt.Printf("engine=%s took=%s err=%v\n", engineID, time.Since(start).Round(time.Millisecond), err)
	for _, r := range resp.Results {
		fmt.Printf("%d. %s\n   %s\n", r.Rank, r.Title, r.URL)
	}
	for _, ans := range resp.Answers {
		fmt.Println("answer:", ans)
	}
	if len(resp.Suggestions) > 0 {
		fmt.Println("suggestions:", strings.Join(resp.Suggestions, ", "))
	}
}
