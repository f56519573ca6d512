package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hyperifyio/talven/internal/cache"
	"github.com/hyperifyio/talven/internal/engine"
	"github.com/hyperifyio/talven/internal/htmltext"
	"github.com/hyperifyio/talven/internal/llm"
	"github.com/hyperifyio/talven/internal/request"
	"github.com/hyperifyio/talven/internal/results"
)

const llmSystemPrompt = "You answer web search queries in two or three sentences using ONLY the numbered search results given. Cite results with bracketed numbers like [1]. If the results do not answer the query, reply with exactly: NO_ANSWER"

// LLMAnswer asks a chat model to answer the query from the top results.
type LLMAnswer struct {
	Base
	Client llm.Client
	Model  string
	// Timeout bounds the model call; zero means 5s.
	Timeout time.Duration
	// MaxResults is how many top results go into the prompt; zero means 5.
	MaxResults int
	// Cache, when set, stores model replies keyed by model and prompt.
	Cache AnswerCache
}

// AnswerCache is satisfied by *cache.Answers.
type AnswerCache interface {
	Get(key string) (string, bool)
	Save(key, answer string) error
}

func (*LLMAnswer) Info() Info {
	return Info{
		ID:          "llm_answer",
		Name:        "LLM answer",
		Description: "Summarizes the top results into a direct answer using a language model",
		HasPost:     true,
	}
}

func (p *LLMAnswer) PostSearch(ctx context.Context, _ *request.Context, q engine.Query, c *results.Container) error {
	if p.Client == nil || strings.TrimSpace(p.Model) == "" {
		return errors.New("llm_answer not configured")
	}
	n := p.MaxResults
	if n <= 0 {
		n = 5
	}
	items := c.Ordered()
	if len(items) == 0 {
		return nil
	}
	if len(items) > n {
		items = items[:n]
	}
	prompt := buildAnswerPrompt(q, items)
	key := cache.KeyFrom(p.Model, prompt)
	if p.Cache != nil {
		if answer, ok := p.Cache.Get(key); ok {
			p.add(c, answer)
			return nil
		}
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := p.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: p.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: llmSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.1,
		N:           1,
	})
	if err != nil {
		return fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return errors.New("chat completion returned no choices")
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if p.Cache != nil {
		if err := p.Cache.Save(key, answer); err != nil {
			log.Warn().Err(err).Msg("llm_answer: cache save failed")
		}
	}
	p.add(c, answer)
	return nil
}

func (p *LLMAnswer) add(c *results.Container, answer string) {
	if answer == "" || answer == "NO_ANSWER" {
		return
	}
	c.AddAnswer(htmltext.Truncate(answer, 800))
}

func buildAnswerPrompt(q engine.Query, items []results.Item) string {
	var sb strings.Builder
	sb.WriteString("Query: ")
	sb.WriteString(q.Text)
	if lang := q.Language(); lang != "" {
		sb.WriteString("\nAnswer language: ")
		sb.WriteString(lang)
	}
	sb.WriteString("\n\nResults:")
	for i, it := range items {
		fmt.Fprintf(&sb, "\n[%d] %s\n%s\n%s", i+1, it.Title, it.URL, htmltext.Truncate(it.Content, 400))
	}
	return sb.String()
}
