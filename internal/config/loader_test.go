package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/javierd009/agente-portero-sub000/internal/config"
)

// loadExpectError loads yaml and asserts the error message mentions want.
func loadExpectError(t *testing.T, yaml, want string) {
	t.Helper()
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatalf("expected error mentioning %q, got nil", want)
	}
	if !strings.Contains(err.Error(), want) {
		t.Errorf("error should mention %q, got: %v", want, err)
	}
}

func TestValidate_MissingAPIKey(t *testing.T) {
	t.Parallel()
	loadExpectError(t, `
server:
  log_level: info
`, "realtime.api_key is required")
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	loadExpectError(t, `
server:
  log_level: bananas
realtime:
  api_key: sk-test
`, "server.log_level")
}

func TestValidate_VADThresholdOutOfRange(t *testing.T) {
	t.Parallel()
	loadExpectError(t, `
realtime:
  api_key: sk-test
  vad_threshold: 0.2
`, "vad_threshold")

	loadExpectError(t, `
realtime:
  api_key: sk-test
  vad_threshold: 0.95
`, "vad_threshold")
}

func TestValidate_NegativeGateThreshold(t *testing.T) {
	t.Parallel()
	loadExpectError(t, `
audio:
  gate_threshold: -1
realtime:
  api_key: sk-test
`, "gate_threshold")
}

func TestValidate_QueueSmallerThanPrebuffer(t *testing.T) {
	t.Parallel()
	loadExpectError(t, `
playback:
  prebuffer_frames: 50
  max_queue_frames: 10
realtime:
  api_key: sk-test
`, "max_queue_frames")
}

func TestValidate_ToolServerErrors(t *testing.T) {
	t.Parallel()

	loadExpectError(t, `
realtime:
  api_key: sk-test
tools:
  servers:
    - transport: stdio
      command: /bin/tool
`, "name is required")

	loadExpectError(t, `
realtime:
  api_key: sk-test
tools:
  servers:
    - name: gate
      transport: carrier-pigeon
`, "transport")

	loadExpectError(t, `
realtime:
  api_key: sk-test
tools:
  servers:
    - name: gate
      transport: stdio
`, "requires command")

	loadExpectError(t, `
realtime:
  api_key: sk-test
tools:
  servers:
    - name: gate
      transport: streamable-http
`, "requires url")

	loadExpectError(t, `
realtime:
  api_key: sk-test
tools:
  servers:
    - name: gate
      transport: stdio
      command: /bin/a
    - name: gate
      transport: stdio
      command: /bin/b
`, "duplicate name")
}

func TestValidate_ReportsAllFailures(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: nope
audio:
  gate_threshold: -5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected joined validation errors, got nil")
	}
	for _, want := range []string{"log_level", "gate_threshold", "api_key"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_ReadsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "portero.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Realtime.APIKey != "sk-test" {
		t.Errorf("api_key = %q, want sk-test", cfg.Realtime.APIKey)
	}
}
