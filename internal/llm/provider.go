// Package llm is the narrow chat-completion surface the answer plugin needs,
// so any OpenAI-compatible backend can be plugged in.
package llm

import (
	"context"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Client is satisfied by *openai.Client and by test fakes.
type Client interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Settings configure the OpenAI-compatible endpoint.
type Settings struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	APIKey  string `yaml:"api_key" json:"api_key"`
	Model   string `yaml:"model" json:"model"`
}

// Configured reports whether enough is set to build a client.
func (s Settings) Configured() bool {
	return strings.TrimSpace(s.BaseURL) != "" && strings.TrimSpace(s.Model) != ""
}

// New builds an OpenAI client for s using hc for transport.
func New(s Settings, hc *http.Client) *openai.Client {
	cfg := openai.DefaultConfig(s.APIKey)
	cfg.BaseURL = strings.TrimRight(s.BaseURL, "/")
	if hc != nil {
		cfg.HTTPClient = hc
	}
	return openai.NewClientWithConfig(cfg)
}
