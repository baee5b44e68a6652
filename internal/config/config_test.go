package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, payload string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	config, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if config.Addr() != "127.0.0.1:8800" {
		t.Fatalf("unexpected addr %q", config.Addr())
	}
	if config.Defaults.CollapseRole != "user" {
		t.Fatalf("unexpected collapse role %q", config.Defaults.CollapseRole)
	}
	if config.RequestTimeout() != 120*time.Second {
		t.Fatalf("unexpected timeout %s", config.RequestTimeout())
	}
	if config.Catalog.Path != "models.yaml" {
		t.Fatalf("unexpected catalog path %q", config.Catalog.Path)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  port: 9000
  auth_token: secret
defaults:
  request_timeout_seconds: 30
  collapse_role: system
catalog:
  path: testdata/models.yaml
  watch: true
providers:
  - name: groq
    base_url: https://api.groq.com/openai/v1
    api_key_env: GROQ_API_KEY
    timeout_seconds: 45
`)
	config, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if config.Addr() != "0.0.0.0:9000" || config.Server.AuthToken != "secret" {
		t.Fatalf("unexpected server config %+v", config.Server)
	}
	if config.Defaults.CollapseRole != "system" || config.RequestTimeout() != 30*time.Second {
		t.Fatalf("unexpected defaults %+v", config.Defaults)
	}
	if !config.Catalog.Watch {
		t.Fatal("expected catalog watch enabled")
	}
	if len(config.Providers) != 1 || config.Providers[0].Timeout() != 45*time.Second {
		t.Fatalf("unexpected providers %+v", config.Providers)
	}
}

func TestProviderAPIKeyFromEnv(t *testing.T) {
	t.Setenv("CROSSTALK_TEST_KEY", "  sk-test  ")
	provider := ProviderConfig{Name: "openai", BaseURL: "https://example", APIKeyEnv: "CROSSTALK_TEST_KEY"}
	if key := provider.APIKey(); key != "sk-test" {
		t.Fatalf("unexpected key %q", key)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    string
	}{
		{
			name:    "bad port",
			payload: "server:\n  port: 70000\n",
			want:    "invalid server port",
		},
		{
			name:    "bad collapse role",
			payload: "defaults:\n  collapse_role: assistant\n",
			want:    "invalid collapse_role",
		},
		{
			name:    "provider missing base url",
			payload: "providers:\n  - name: openai\n",
			want:    "missing base_url",
		},
		{
			name:    "duplicate provider",
			payload: "providers:\n  - name: a\n    base_url: https://x\n  - name: a\n    base_url: https://y\n",
			want:    "duplicate provider",
		},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.payload)
		if _, err := Load(path); err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}
}
