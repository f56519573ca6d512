// Command enginelib inspects and maintains the engine traits cache and the
// suspension state of a running server.
//
//	enginelib [-config settings.yml] [-server URL] cache state
//	enginelib [-config settings.yml] [-server URL] cache maintenance
//	enginelib [-config settings.yml] -server URL suspend list
//	enginelib [-config settings.yml] -server URL suspend reset [engine]
//
// With -server the commands go through the server's /admin routes and act on
// its live state. Without it the cache commands open the cache file directly;
// a running server picks the changes up on its next reload.
//
// Exit codes: 0 success, 1 failure, 2 usage or settings error.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/talven/internal/app"
	"github.com/hyperifyio/talven/internal/engine"
	"github.com/hyperifyio/talven/internal/enginecache"
)

var errUsage = errors.New("usage: enginelib [-config path] [-server URL] cache state|maintenance | suspend list|reset [engine]")

// errIncomplete marks a maintenance run in which some engines failed to
// refresh.
var errIncomplete = errors.New("maintenance incomplete")

func main() {
	var (
		configPath string
		envFiles   string
		serverURL  string
		verbose    bool
	)
	flag.StringVar(&configPath, "config", envOr("TALVEN_SETTINGS_PATH", "settings.yml"), "Path to the YAML or JSON settings file")
	flag.StringVar(&envFiles, "env", ".env", "Comma-separated dotenv files loaded before the settings")
	flag.StringVar(&serverURL, "server", envOr("TALVEN_ADMIN_URL", ""), "Base URL of a running server; uses its /admin routes")
	flag.BoolVar(&verbose, "v", false, "Verbose logging")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if err := app.LoadEnvFiles(strings.Split(envFiles, ",")...); err != nil {
		log.Error().Err(err).Msg("load env files")
		os.Exit(2)
	}
	cfg, err := app.LoadSettings(configPath)
	if err != nil {
		log.Error().Err(err).Msg("load settings")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(exitCode(run(ctx, cfg, serverURL, flag.Args(), os.Stdout)))
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var se *engine.SettingsError
	if errors.Is(err, errUsage) || errors.As(err, &se) {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	log.Error().Err(err).Msg("enginelib failed")
	return 1
}

func run(ctx context.Context, cfg app.Config, serverURL string, args []string, out io.Writer) error {
	if len(args) < 2 {
		return errUsage
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	var c *adminClient
	if serverURL != "" {
		c = &adminClient{base: strings.TrimRight(serverURL, "/"), token: cfg.Server.AdminToken, hc: &http.Client{Timeout: 5 * time.Minute}}
	}

	switch {
	case args[0] == "cache" && len(args) == 2 && (args[1] == "state" || args[1] == "maintenance"):
		if c != nil {
			return remoteCache(ctx, c, args[1], enc)
		}
		return localCache(ctx, cfg, args[1], enc)
	case args[0] == "suspend" && c != nil && len(args) == 2 && args[1] == "list":
		var recs json.RawMessage
		if err := c.do(ctx, http.MethodGet, "/admin/suspensions", &recs); err != nil {
			return err
		}
		return enc.Encode(recs)
	case args[0] == "suspend" && c != nil && args[1] == "reset" && len(args) <= 3:
		path := "/admin/suspensions"
		if len(args) == 3 {
			path += "/" + url.PathEscape(args[2])
		}
		var body json.RawMessage
		if err := c.do(ctx, http.MethodDelete, path, &body); err != nil {
			return err
		}
		return enc.Encode(body)
	}
	return errUsage
}

// localCache works on the cache file directly. Only the registry and the
// cache are built; plugins and the LLM client are not needed here.
func localCache(ctx context.Context, cfg app.Config, cmd string, enc *json.Encoder) error {
	if cmd == "state" {
		cache, err := app.OpenEngineCache(cfg)
		if err != nil {
			return err
		}
		return enc.Encode(cache.State())
	}
	reg, err := app.NewRegistry(cfg)
	if err != nil {
		return err
	}
	cache, err := app.OpenEngineCache(cfg)
	if err != nil {
		return err
	}
	rep, err := cache.Maintenance(ctx, reg.Fetchers())
	return report(rep, err, enc)
}

func remoteCache(ctx context.Context, c *adminClient, cmd string, enc *json.Encoder) error {
	if cmd == "state" {
		var st enginecache.State
		if err := c.do(ctx, http.MethodGet, "/admin/enginecache", &st); err != nil {
			return err
		}
		return enc.Encode(st)
	}
	var rep enginecache.Report
	err := c.do(ctx, http.MethodPost, "/admin/enginecache/maintenance", &rep)
	return report(rep, err, enc)
}

func report(rep enginecache.Report, err error, enc *json.Encoder) error {
	if err != nil {
		return err
	}
	if err := enc.Encode(rep); err != nil {
		return err
	}
	if len(rep.Failed) > 0 {
		return fmt.Errorf("%w: %d engine(s) failed", errIncomplete, len(rep.Failed))
	}
	return nil
}

type adminClient struct {
	base  string
	token string
	hc    *http.Client
}

func (c *adminClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return fmt.Errorf("%s %s: HTTP %d %s", method, path, resp.StatusCode, e.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
