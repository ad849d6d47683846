// Package llm wraps the OpenAI-compatible chat completion API used to drive
// agents. Providers are reached through the ChatCompleter interface so tests
// can inject a mock.
package llm

import (
	"context"
	"errors"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/semanticarchitectures/multi-agent-collab/pkg/retry"
)

// ChatCompleter is the provider surface the engine needs. *openai.Client
// satisfies it.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewClient builds an OpenAI-compatible client. An empty URL keeps the
// provider default endpoint.
func NewClient(apiKey, apiURL string) *openai.Client {
	config := openai.DefaultConfig(apiKey)
	if apiURL != "" {
		config.BaseURL = apiURL
	}
	return openai.NewClientWithConfig(config)
}

// DefaultRequestTimeout bounds a single completion request.
const DefaultRequestTimeout = 120 * time.Second

// Generator issues completions under a per-request timeout, retrying
// provider rate limits and transient server errors with backoff.
type Generator struct {
	Client   ChatCompleter
	Timeout  time.Duration
	RetryCfg retry.Config
}

func NewGenerator(client ChatCompleter, timeout time.Duration, retryCfg retry.Config) *Generator {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Generator{Client: client, Timeout: timeout, RetryCfg: retryCfg}
}

// Generate runs one chat completion. Rate-limit (429) and server (5xx)
// responses are retried; all other failures propagate to the caller, which
// treats them as a turn-aborting fault.
func (g *Generator) Generate(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	var resp openai.ChatCompletionResponse

	err := retry.DoIf(ctx, g.RetryCfg, "llm:"+req.Model, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, g.Timeout)
		defer cancel()

		var callErr error
		resp, callErr = g.Client.CreateChatCompletion(reqCtx, req)
		return callErr
	}, isTransient)

	return resp, err
}

// isTransient classifies provider failures worth retrying. The provider's
// rate-limit surface is just an HTTP status; 429 and 5xx are taken as
// transient, everything else (auth, malformed request, cancellation) is not.
func isTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	return false
}
