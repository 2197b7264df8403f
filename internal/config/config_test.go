package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Executor.MaxConcurrency != 4 {
		t.Errorf("expected max concurrency 4, got %d", cfg.Executor.MaxConcurrency)
	}
	if cfg.Executor.ClassLimits["remote"] != 2 {
		t.Errorf("expected remote class limit 2, got %d", cfg.Executor.ClassLimits["remote"])
	}
	if cfg.Delegation.MaxRounds != 3 {
		t.Errorf("expected max rounds 3, got %d", cfg.Delegation.MaxRounds)
	}
	if cfg.Channel.WarningThreshold != 0.80 {
		t.Errorf("expected warning threshold 0.80, got %v", cfg.Channel.WarningThreshold)
	}
	if cfg.State.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %q", cfg.State.Driver)
	}
	if cfg.MQTT.Broker != "" {
		t.Errorf("expected MQTT disabled by default, got broker %q", cfg.MQTT.Broker)
	}
}

func TestLoadFromPath(t *testing.T) {
	path := writeConfig(t, `
executor:
  max_concurrency: 8
  class_limits:
    remote: 3
    gpu: 1
  node_timeout: 90s
loop:
  poll_timeout: 50ms
  max_replans: 1
delegation:
  max_rounds: 2
  deadline: 2m
channel:
  budget: 0
throttle:
  mode: step
  floor: 2
state:
  driver: postgres
  dsn: postgres://localhost/loom
mqtt:
  broker: tcp://localhost:1883
`)

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Executor.MaxConcurrency != 8 {
		t.Errorf("expected max concurrency 8, got %d", cfg.Executor.MaxConcurrency)
	}
	if cfg.Executor.ClassLimits["gpu"] != 1 || cfg.Executor.ClassLimits["remote"] != 3 {
		t.Errorf("unexpected class limits %v", cfg.Executor.ClassLimits)
	}
	if cfg.Executor.NodeTimeout != 90*time.Second {
		t.Errorf("expected node timeout 90s, got %v", cfg.Executor.NodeTimeout)
	}
	if cfg.Loop.PollTimeout != 50*time.Millisecond {
		t.Errorf("expected poll timeout 50ms, got %v", cfg.Loop.PollTimeout)
	}
	if cfg.Delegation.Deadline != 2*time.Minute {
		t.Errorf("expected deadline 2m, got %v", cfg.Delegation.Deadline)
	}
	if cfg.Channel.Budget != 0 {
		t.Errorf("expected zero budget to survive, got %d", cfg.Channel.Budget)
	}
	if cfg.State.Driver != "postgres" {
		t.Errorf("expected postgres driver, got %q", cfg.State.Driver)
	}
	if cfg.MQTT.Topic != "loom/snapshots" {
		t.Errorf("expected default topic to fill in, got %q", cfg.MQTT.Topic)
	}
	// Unset keys keep their defaults.
	if cfg.Loop.MaxDrain != 64 {
		t.Errorf("expected default max drain 64, got %d", cfg.Loop.MaxDrain)
	}
}

func TestLoadFromPath_Missing(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadFromPath_EnvOverrides(t *testing.T) {
	t.Setenv("LOOM_EXECUTOR_MAX_CONCURRENCY", "9")
	t.Setenv("LOOM_THROTTLE_MODE", "step")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env")

	cfg, err := LoadFromPath(writeConfig(t, "executor:\n  max_concurrency: 2\n"))
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Executor.MaxConcurrency != 9 {
		t.Errorf("expected env to win with 9, got %d", cfg.Executor.MaxConcurrency)
	}
	if cfg.Throttle.Mode != "step" {
		t.Errorf("expected throttle mode step, got %q", cfg.Throttle.Mode)
	}
	if cfg.Anthropic.APIKey != "sk-ant-from-env" {
		t.Errorf("expected api key from env, got %q", cfg.Anthropic.APIKey)
	}
}

func TestLoadFromPath_ExpandsEnv(t *testing.T) {
	t.Setenv("LOOM_TEST_DB", "/tmp/loom-test.db")

	cfg, err := LoadFromPath(writeConfig(t, "state:\n  dsn: ${LOOM_TEST_DB}\n"))
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.State.DSN != "/tmp/loom-test.db" {
		t.Errorf("expected expanded dsn, got %q", cfg.State.DSN)
	}
}

func TestPolicy(t *testing.T) {
	cfg := Default()
	cfg.Executor.MaxConcurrency = 0
	cfg.Delegation.MaxRounds = 5
	cfg.Throttle.Mode = "bogus"

	p := cfg.Policy()
	if p.Executor.MaxConcurrency != 4 {
		t.Errorf("expected invalid concurrency clamped to 4, got %d", p.Executor.MaxConcurrency)
	}
	if p.Delegation.MaxRounds != 5 {
		t.Errorf("expected max rounds 5, got %d", p.Delegation.MaxRounds)
	}
	if p.Throttle.Mode != "static" {
		t.Errorf("expected throttle mode reset to static, got %q", p.Throttle.Mode)
	}

	p.Executor.ClassLimits["remote"] = 99
	if cfg.Executor.ClassLimits["remote"] != 2 {
		t.Error("policy class limits must not alias the config map")
	}
}

func TestSaveTo_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Executor.MaxConcurrency = 6
	cfg.Delegation.Deadline = 45 * time.Second
	cfg.MQTT.Broker = "tcp://broker:1883"

	path := filepath.Join(t.TempDir(), "saved.yaml")
	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo failed: %v", err)
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if loaded.Executor.MaxConcurrency != 6 {
		t.Errorf("expected max concurrency 6, got %d", loaded.Executor.MaxConcurrency)
	}
	if loaded.Delegation.Deadline != 45*time.Second {
		t.Errorf("expected deadline 45s, got %v", loaded.Delegation.Deadline)
	}
	if loaded.MQTT.Broker != "tcp://broker:1883" {
		t.Errorf("expected broker to round-trip, got %q", loaded.MQTT.Broker)
	}
}

func TestValue(t *testing.T) {
	cfg := Default()
	got, err := cfg.Value("Delegation.Max_Rounds")
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}
	if got != "3" {
		t.Errorf("expected 3, got %q", got)
	}
	if _, err := cfg.Value("nope.key"); err == nil {
		t.Error("expected error for unknown key")
	}

	keys := cfg.Keys()
	for i := 1; i < len(keys); i++ {
		if keys[i-1] > keys[i] {
			t.Fatalf("keys not sorted: %q before %q", keys[i-1], keys[i])
		}
	}
}

func TestSetValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	if err := SetValue(path, "executor.max_concurrency", "9"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if err := SetValue(path, "loop.poll_timeout", "750ms"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}
	if cfg.Executor.MaxConcurrency != 9 {
		t.Errorf("expected max concurrency 9, got %d", cfg.Executor.MaxConcurrency)
	}
	if cfg.Loop.PollTimeout != 750*time.Millisecond {
		t.Errorf("expected poll timeout 750ms, got %v", cfg.Loop.PollTimeout)
	}
}

func TestSetValue_Rejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	tests := []struct {
		key, value string
	}{
		{"unknown.key", "1"},
		{"executor.max_concurrency", "many"},
		{"loop.poll_timeout", "soon"},
		{"executor.class_limits", "remote=3"},
	}
	for _, tt := range tests {
		if err := SetValue(path, tt.key, tt.value); err == nil {
			t.Errorf("SetValue(%s, %s) should fail", tt.key, tt.value)
		}
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("rejected values must not create the file")
	}
}

func TestUserConfigDir_XDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := UserConfigDir(); got != filepath.Join("/xdg", "loom") {
		t.Errorf("expected /xdg/loom, got %q", got)
	}
	if got := UserConfigPath(); got != filepath.Join("/xdg", "loom", "config.yaml") {
		t.Errorf("unexpected user config path %q", got)
	}
}

func TestFindProjectConfig(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, ProjectFile), []byte("loop:\n  max_drain: 3\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(nested)

	if got := ProjectConfigPath(); got != filepath.Join(root, ProjectFile) {
		t.Errorf("expected project config in %s, got %q", root, got)
	}
}

func TestWatch_Reloads(t *testing.T) {
	path := writeConfig(t, "throttle:\n  floor: 1\n")

	w, err := Watch(path)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if w.Current().Throttle.Floor != 1 {
		t.Fatalf("expected floor 1, got %d", w.Current().Throttle.Floor)
	}

	changed := make(chan *Config, 4)
	w.OnChange(func(c *Config) { changed <- c })

	if err := os.WriteFile(path, []byte("throttle:\n  floor: 3\n"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.Throttle.Floor == 3 {
				if w.Current().Throttle.Floor != 3 {
					t.Errorf("Current not updated")
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}
