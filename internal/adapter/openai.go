package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"crosstalk/internal/logging"
)

const defaultCompletionTimeout = 5 * time.Minute

// OpenAIAdapter speaks the OpenAI-compatible chat-completions wire
// format, which also covers Groq, OpenRouter, and LiteLLM proxies.
// Cost is derived from the provider-reported token usage and the
// catalog's per-1k price; nothing is recomputed downstream.
type OpenAIAdapter struct {
	client  *resty.Client
	baseURL string
	apiKey  string
	prices  map[string]float64
	logger  *logging.Logger
}

type OpenAIOptions struct {
	BaseURL string
	APIKey  string
	// PricePer1KTokens maps bare model IDs to their catalog price.
	PricePer1KTokens map[string]float64
	Timeout          time.Duration
	Logger           *logging.Logger
}

func NewOpenAI(opts OpenAIOptions) *OpenAIAdapter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCompletionTimeout
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if opts.APIKey != "" {
		client.SetAuthToken(opts.APIKey)
	}
	return &OpenAIAdapter{
		client:  client,
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		prices:  opts.PricePer1KTokens,
		logger:  opts.Logger,
	}
}

type chatCompletionRequest struct {
	Model         string               `json:"model"`
	Messages      []Message            `json:"messages"`
	Temperature   float64              `json:"temperature,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Stream        bool                 `json:"stream"`
	StreamOptions *streamOptionsParams `json:"stream_options,omitempty"`
}

type streamOptionsParams struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

type chatCompletionError struct {
	Error struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (<-chan Chunk, error) {
	payload := chatCompletionRequest{
		Model:         BareModelID(req.Model),
		Messages:      req.Messages,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &streamOptionsParams{IncludeUsage: true},
	}

	started := time.Now()
	response, err := a.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetBody(payload).
		Post("/chat/completions")
	if err != nil {
		return nil, &Error{
			Code:      "connection_failed",
			Message:   err.Error(),
			Retryable: true,
		}
	}

	body := response.RawBody()
	if response.StatusCode() != http.StatusOK {
		defer body.Close()
		return nil, a.statusError(response.StatusCode(), body)
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer body.Close()
		a.readStream(ctx, req, body, started, out)
	}()
	return out, nil
}

func (a *OpenAIAdapter) readStream(ctx context.Context, req Request, body io.Reader, started time.Time, out chan<- Chunk) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	content := strings.Builder{}
	finishReason := "stop"
	totalTokens := 0

	emit := func(chunk Chunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, found := strings.CutPrefix(line, "data:")
		if !found {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}

		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			if a.logger != nil {
				a.logger.Warn("malformed stream chunk", map[string]string{
					"model": req.Model,
					"error": err.Error(),
				})
			}
			continue
		}
		if chunk.Usage != nil {
			totalTokens = chunk.Usage.TotalTokens
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				content.WriteString(choice.Delta.Content)
				if !emit(Chunk{Token: choice.Delta.Content}) {
					return
				}
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finishReason = *choice.FinishReason
			}
		}
	}

	if err := scanner.Err(); err != nil {
		emit(Chunk{Err: &Error{
			Code:      "stream_interrupted",
			Message:   err.Error(),
			Retryable: true,
		}})
		return
	}

	emit(Chunk{Final: &Final{
		Content:      content.String(),
		FinishReason: finishReason,
		Usage: Usage{
			TokensUsed: totalTokens,
			Cost:       a.cost(req.Model, totalTokens),
			LatencyMS:  time.Since(started).Milliseconds(),
		},
	}})
}

func (a *OpenAIAdapter) cost(model string, tokens int) float64 {
	price, ok := a.prices[BareModelID(model)]
	if !ok {
		return 0
	}
	return float64(tokens) / 1000 * price
}

func (a *OpenAIAdapter) statusError(status int, body io.Reader) *Error {
	message := fmt.Sprintf("provider returned status %d", status)
	payload, err := io.ReadAll(io.LimitReader(body, 8*1024))
	if err == nil && len(payload) > 0 {
		var decoded chatCompletionError
		if json.Unmarshal(payload, &decoded) == nil && decoded.Error.Message != "" {
			message = decoded.Error.Message
		}
	}
	return &Error{
		Code:      fmt.Sprintf("http_%d", status),
		Message:   message,
		Retryable: status == http.StatusTooManyRequests || status >= http.StatusInternalServerError,
	}
}
