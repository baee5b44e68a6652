package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func sseHandler(t *testing.T, lines []string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var request chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !request.Stream {
			t.Error("expected streaming request")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

func collect(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var chunks []Chunk
	deadline := time.After(2 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, chunk)
		case <-deadline:
			t.Fatal("timed out draining stream")
		}
	}
}

func TestOpenAICompleteStreams(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, []string{
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"total_tokens":12}}`,
	}))
	t.Cleanup(server.Close)

	completer := NewOpenAI(OpenAIOptions{
		BaseURL:          server.URL,
		APIKey:           "test-key",
		PricePer1KTokens: map[string]float64{"gpt-4o-mini": 1.0},
	})

	ch, err := completer.Complete(context.Background(), Request{
		Model:    "openai:gpt-4o-mini",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chunks := collect(t, ch)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %+v", len(chunks), chunks)
	}
	if chunks[0].Token != "Hel" || chunks[1].Token != "lo" {
		t.Fatalf("unexpected fragments: %+v", chunks)
	}

	final := chunks[2].Final
	if final == nil {
		t.Fatalf("expected terminal final, got %+v", chunks[2])
	}
	if final.Content != "Hello" || final.FinishReason != "stop" {
		t.Fatalf("unexpected final: %+v", final)
	}
	if final.Usage.TokensUsed != 12 {
		t.Fatalf("expected 12 tokens, got %d", final.Usage.TokensUsed)
	}
	if final.Usage.Cost < 0.0119 || final.Usage.Cost > 0.0121 {
		t.Fatalf("expected cost ~0.012, got %f", final.Usage.Cost)
	}
}

func TestOpenAICompleteStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
	}))
	t.Cleanup(server.Close)

	completer := NewOpenAI(OpenAIOptions{BaseURL: server.URL})
	_, err := completer.Complete(context.Background(), Request{Model: "m"})

	adapterErr, ok := AsError(err)
	if !ok {
		t.Fatalf("expected adapter error, got %v", err)
	}
	if !adapterErr.Retryable || adapterErr.Message != "rate limited" {
		t.Fatalf("unexpected error: %+v", adapterErr)
	}
}

func TestScriptedCompleter(t *testing.T) {
	completer := NewScripted(Script{
		Fragments: []string{"a", "b"},
		Usage:     Usage{TokensUsed: 2},
	})

	ch, err := completer.Complete(context.Background(), Request{Model: "test:model"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunks := collect(t, ch)
	if len(chunks) != 3 || chunks[2].Final == nil || chunks[2].Final.Content != "ab" {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}
	if requests := completer.Requests(); len(requests) != 1 || requests[0].Model != "test:model" {
		t.Fatalf("unexpected recorded requests: %+v", requests)
	}
}

func TestScriptedCompleterFailure(t *testing.T) {
	completer := NewScripted(Script{
		Fragments: []string{"a", "b", "c"},
		Err:       &Error{Code: "boom", Message: "mid-stream failure", Retryable: true},
		FailAfter: 1,
	})

	ch, _ := completer.Complete(context.Background(), Request{})
	chunks := collect(t, ch)
	if len(chunks) != 2 {
		t.Fatalf("expected fragment then error, got %+v", chunks)
	}
	if chunks[1].Err == nil || !Retryable(chunks[1].Err) {
		t.Fatalf("expected retryable terminal error, got %+v", chunks[1])
	}
}
