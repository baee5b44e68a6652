package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestLoggerFormatsKeyValue(t *testing.T) {
	output := &bytes.Buffer{}
	logger := NewWithOutput(LevelInfo, output)

	logger.Info("broadcast started", map[string]string{
		"session_id": "s1",
		"panes":      "2",
	})

	got := output.String()
	if !strings.Contains(got, `msg="broadcast started"`) {
		t.Fatalf("missing message in output: %s", got)
	}
	if !strings.Contains(got, `panes="2"`) || !strings.Contains(got, `session_id="s1"`) {
		t.Fatalf("missing fields in output: %s", got)
	}
}

func TestLoggerMinLevel(t *testing.T) {
	output := &bytes.Buffer{}
	logger := NewWithOutput(LevelWarning, output)

	logger.Info("ignored", nil)
	logger.Warn("kept", nil)

	if strings.Contains(output.String(), "ignored") {
		t.Fatalf("debug entry leaked: %s", output.String())
	}
	if !strings.Contains(output.String(), "kept") {
		t.Fatalf("warning entry missing: %s", output.String())
	}
	if entries := logger.History(0); len(entries) != 1 {
		t.Fatalf("expected 1 buffered entry, got %d", len(entries))
	}
}

func TestLoggerWithFields(t *testing.T) {
	output := &bytes.Buffer{}
	logger := NewWithOutput(LevelInfo, output).With(map[string]string{"pane_id": "p1"})

	logger.Info("token", map[string]string{"position": "0"})

	entries := logger.History(0)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Fields["pane_id"] != "p1" || entries[0].Fields["position"] != "0" {
		t.Fatalf("unexpected fields: %v", entries[0].Fields)
	}
}

func TestLoggerSubscribe(t *testing.T) {
	logger := NewWithOutput(LevelInfo, nil)
	ch, cancel := logger.Subscribe()
	defer cancel()

	logger.Info("live entry", nil)

	select {
	case entry := <-ch:
		if entry.Message != "live entry" {
			t.Fatalf("unexpected entry: %+v", entry)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for log entry")
	}
}

func TestHubBroadcastRacesCancel(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			hub.Broadcast(Entry{Message: "entry"})
		}
	}()

	// Churn subscribers while the broadcast loop runs; a send landing on
	// a just-closed channel must drop the entry, not panic.
	for i := 0; i < 2000; i++ {
		ch, cancel := hub.Subscribe(1)
		select {
		case <-ch:
		default:
		}
		cancel()
	}
	<-done
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": LevelDebug,
		"INFO":  LevelInfo,
		"warn":  LevelWarning,
		"error": LevelError,
	}
	for input, want := range cases {
		got, ok := ParseLevel(input)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q) = %q, %v", input, got, ok)
		}
	}
	if _, ok := ParseLevel("verbose"); ok {
		t.Fatal("expected verbose to be rejected")
	}
}
