package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
environment:
  mode: paper
  log_level: info
gateway:
  provider: tradier
  api_key: test-key
  account_id: acct-1
  sandbox: true
storage:
  path: data/positions.db
risk:
  max_beta_weighted_delta: 100
  max_net_delta: 50
exit:
  interval: 30s
  min_dte: 21
roll:
  interval: 60s
  proximity_pct: 0.02
  delta_breach: 0.40
  min_dte: 21
  max_rolls: 2
reconcile:
  periodic: true
  interval: 1h
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.AccountID != "acct-1" {
		t.Errorf("account id = %s", cfg.Gateway.AccountID)
	}
	if cfg.ExitInterval() != 30*time.Second {
		t.Errorf("exit interval = %v", cfg.ExitInterval())
	}
	if cfg.ReconcileInterval() != time.Hour {
		t.Errorf("reconcile interval = %v", cfg.ReconcileInterval())
	}
	// defaults
	if cfg.Advisory.MinConfidence != 7 {
		t.Errorf("advisory min confidence default = %d, want 7", cfg.Advisory.MinConfidence)
	}
	if cfg.Risk.OneSidedFraction != 0.8 {
		t.Errorf("one sided fraction default = %v, want 0.8", cfg.Risk.OneSidedFraction)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_GATEWAY_KEY", "secret-from-env")
	content := strings.Replace(validYAML, "api_key: test-key", "api_key: ${TEST_GATEWAY_KEY}", 1)
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.APIKey != "secret-from-env" {
		t.Errorf("api key = %q, want env expansion", cfg.Gateway.APIKey)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	content := validYAML + "\nbogus_section:\n  foo: 1\n"
	if _, err := Load(writeConfig(t, content)); err == nil {
		t.Fatal("unknown top-level field should fail strict decoding")
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "bad mode",
			mutate:  func(s string) string { return strings.Replace(s, "mode: paper", "mode: test", 1) },
			wantErr: "environment.mode",
		},
		{
			name:    "missing api key",
			mutate:  func(s string) string { return strings.Replace(s, "api_key: test-key", "api_key: \"\"", 1) },
			wantErr: "gateway.api_key",
		},
		{
			name: "live with sandbox",
			mutate: func(s string) string {
				return strings.Replace(s, "mode: paper", "mode: live", 1)
			},
			wantErr: "gateway.sandbox",
		},
		{
			name:    "bad roll interval",
			mutate:  func(s string) string { return strings.Replace(s, "interval: 60s", "interval: sixty", 1) },
			wantErr: "roll.interval",
		},
		{
			name: "delta breach out of range",
			mutate: func(s string) string {
				return strings.Replace(s, "delta_breach: 0.40", "delta_breach: 1.5", 1)
			},
			wantErr: "roll.delta_breach",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.mutate(validYAML)))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestAdvisoryRequiresKeyWhenEnabled(t *testing.T) {
	content := validYAML + "\nadvisory:\n  enabled: true\n"
	if _, err := Load(writeConfig(t, content)); err == nil ||
		!strings.Contains(err.Error(), "advisory.api_key") {
		t.Fatalf("expected advisory.api_key error, got %v", err)
	}
}
