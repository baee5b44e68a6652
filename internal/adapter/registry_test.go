package adapter

import (
	"errors"
	"testing"
)

func testCatalog() []ModelInfo {
	return []ModelInfo{
		{ID: "gpt-4o-mini", Name: "GPT-4o mini", Provider: "openai", MaxTokens: 16384, CostPer1KTokens: 0.00015, SupportsStreaming: true},
		{ID: "groq:llama-3.1-8b", Name: "Llama 3.1 8B", Provider: "groq", MaxTokens: 8192, SupportsStreaming: true},
	}
}

func TestSetCatalogQualifiesIDs(t *testing.T) {
	registry := NewRegistry()
	registry.SetCatalog(testCatalog())

	model, ok := registry.Model("openai:gpt-4o-mini")
	if !ok {
		t.Fatal("expected qualified lookup to succeed")
	}
	if model.ID != "openai:gpt-4o-mini" {
		t.Fatalf("unexpected id: %s", model.ID)
	}

	if _, ok := registry.Model("gpt-4o-mini"); !ok {
		t.Fatal("expected bare lookup to succeed")
	}
	if _, ok := registry.Model("missing"); ok {
		t.Fatal("expected unknown model to fail")
	}
}

func TestResolve(t *testing.T) {
	registry := NewRegistry()
	registry.SetCatalog(testCatalog())
	registry.Register("openai", NewScripted(Script{Fragments: []string{"ok"}}))

	model, completer, err := registry.Resolve("openai", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if completer == nil || model.Provider != "openai" {
		t.Fatalf("unexpected resolution: %+v", model)
	}

	_, _, err = registry.Resolve("groq", "llama-3.1-8b")
	adapterErr, ok := AsError(err)
	if !ok || adapterErr.Code != "provider_unavailable" {
		t.Fatalf("expected provider_unavailable, got %v", err)
	}

	_, _, err = registry.Resolve("openai", "nope")
	adapterErr, ok = AsError(err)
	if !ok || adapterErr.Code != "model_unknown" {
		t.Fatalf("expected model_unknown, got %v", err)
	}
}

func TestQualifyAndBareModelID(t *testing.T) {
	if got := QualifyModelID("openai", "gpt-4o"); got != "openai:gpt-4o" {
		t.Fatalf("unexpected qualified id: %s", got)
	}
	if got := QualifyModelID("openai", "openai:gpt-4o"); got != "openai:gpt-4o" {
		t.Fatalf("double-qualified id: %s", got)
	}
	if got := BareModelID("openai:gpt-4o"); got != "gpt-4o" {
		t.Fatalf("unexpected bare id: %s", got)
	}
	if got := BareModelID("gpt-4o"); got != "gpt-4o" {
		t.Fatalf("unexpected bare id: %s", got)
	}
}

func TestRetryable(t *testing.T) {
	retryable := &Error{Code: "http_503", Message: "overloaded", Retryable: true}
	if !Retryable(retryable) {
		t.Fatal("expected retryable")
	}
	if Retryable(errors.New("plain")) {
		t.Fatal("expected plain error to be non-retryable")
	}
}
