package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/petal-labs/flowport/importer"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll error = %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}
	return path
}

func TestDiscoverPathFrom_FirstMatchWins(t *testing.T) {
	cwd := t.TempDir()
	home := t.TempDir()

	projectConfig := writeConfig(t, cwd, "flowport.yaml", "store: {backend: memory}")
	writeConfig(t, home, filepath.Join(".flowport", "config.yaml"), "store: {backend: memory}")

	got, found, err := DiscoverPathFrom("", cwd, home)
	if err != nil {
		t.Fatalf("DiscoverPathFrom() error = %v", err)
	}
	if !found {
		t.Fatal("found = false, want true")
	}
	if got != projectConfig {
		t.Fatalf("path = %q, want %q", got, projectConfig)
	}
}

func TestDiscoverPathFrom_HomeFallback(t *testing.T) {
	home := t.TempDir()
	homeConfig := writeConfig(t, home, filepath.Join(".flowport", "config.yaml"), "{}")

	got, found, err := DiscoverPathFrom("", t.TempDir(), home)
	if err != nil || !found || got != homeConfig {
		t.Fatalf("DiscoverPathFrom() = %q, %v, %v", got, found, err)
	}
}

func TestDiscoverPathFrom_NothingFound(t *testing.T) {
	_, found, err := DiscoverPathFrom("", t.TempDir(), t.TempDir())
	if err != nil || found {
		t.Fatalf("found=%v err=%v, want false and nil", found, err)
	}
}

func TestDiscoverPathFrom_ExplicitNotFound(t *testing.T) {
	_, found, err := DiscoverPathFrom("/tmp/does-not-exist-flowport.yaml", t.TempDir(), t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing explicit config path")
	}
	if found {
		t.Fatal("found = true, want false")
	}
}

func TestLoad_FullFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FLOWPORT_TEST_HOST", "collector:4318")
	path := writeConfig(t, dir, "flowport.yaml", `
store:
  backend: SQLite
  sqlite_path: data/flows.db
ids:
  strategy: ulid
import:
  policy: strict
  atomic: false
  parallel: true
overrides:
  a1:
    provider: anthropic
    model_id: claude-3-5-sonnet
inbox:
  dir: inbox
  schedule: "*/5 * * * *"
telemetry:
  otlp_endpoint: ${FLOWPORT_TEST_HOST}
server:
  addr: 127.0.0.1:9000
`)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if f.Store.Backend != BackendSQLite {
		t.Errorf("backend = %q", f.Store.Backend)
	}
	if f.Store.SQLitePath != filepath.Join(dir, "data", "flows.db") {
		t.Errorf("sqlite path = %q, want relative to config", f.Store.SQLitePath)
	}
	if f.Inbox.Dir != filepath.Join(dir, "inbox") || f.Inbox.Schedule != "*/5 * * * *" {
		t.Errorf("inbox = %+v", f.Inbox)
	}
	if f.Telemetry.OTLPEndpoint != "collector:4318" {
		t.Errorf("otlp endpoint = %q", f.Telemetry.OTLPEndpoint)
	}
	if f.Server.Addr != "127.0.0.1:9000" {
		t.Errorf("addr = %q", f.Server.Addr)
	}

	opts, err := f.ImportOptions()
	if err != nil {
		t.Fatalf("ImportOptions() error = %v", err)
	}
	if opts.Policy != importer.PolicyStrict || opts.Atomic || !opts.Parallel {
		t.Errorf("options = %+v", opts)
	}
	if o := opts.Overrides["a1"]; o.Provider != "anthropic" || o.ModelID != "claude-3-5-sonnet" {
		t.Errorf("override = %+v", o)
	}

	if _, err := f.Generator(); err != nil {
		t.Errorf("Generator() error = %v", err)
	}
}

func TestLoad_DefaultsForMissingKeys(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "flowport.yaml", "ids: {strategy: ksuid}\n")
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if f.Store.Backend != BackendMemory || f.Server.Addr != ":8090" {
		t.Errorf("defaults lost: %+v", f)
	}
	opts, err := f.ImportOptions()
	if err != nil {
		t.Fatal(err)
	}
	if !opts.Atomic || opts.Policy != importer.PolicyLenient {
		t.Errorf("options = %+v, want atomic lenient", opts)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvRedisURL, "redis://localhost:6379/2")
	path := writeConfig(t, t.TempDir(), "flowport.yaml", "store: {backend: redis, redis_url: redis://ignored:1}\n")
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if f.Store.RedisURL != "redis://localhost:6379/2" {
		t.Errorf("redis url = %q", f.Store.RedisURL)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"backend":  "store: {backend: postgres}",
		"redis":    "store: {backend: redis}",
		"strategy": "ids: {strategy: snowflake}",
		"policy":   "import: {policy: sometimes}",
		"override": "overrides: {a1: {provider: openai}}",
		"yaml":     "store: [",
		"events":   "events: {retention: -1h}",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(EnvRedisURL, "")
			path := writeConfig(t, t.TempDir(), "flowport.yaml", content)
			if _, err := Load(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoad_EventsSection(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "flowport.yaml", "events:\n  path: events.db\n  retention: 72h\n  max_imports: 50\n")
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if f.Events.Path != filepath.Join(dir, "events.db") {
		t.Errorf("events path = %q", f.Events.Path)
	}
	if f.Events.Retention.Hours() != 72 {
		t.Errorf("retention = %v", f.Events.Retention)
	}
	if f.Events.MaxImports != 50 {
		t.Errorf("max imports = %d", f.Events.MaxImports)
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	yamlPath := writeConfig(t, dir, "overrides.yaml", `
a1: {provider: openai, model_id: gpt-4o, model_name: GPT-4o}
`)
	jsonPath := writeConfig(t, dir, "overrides.json", `{"a2": {"provider": "groq", "modelId": "llama-3"}}`)

	got, err := LoadOverrides(yamlPath)
	if err != nil {
		t.Fatalf("LoadOverrides(yaml) error = %v", err)
	}
	if got["a1"] != (importer.Override{Provider: "openai", ModelID: "gpt-4o", ModelName: "GPT-4o"}) {
		t.Errorf("a1 = %+v", got["a1"])
	}

	got, err = LoadOverrides(jsonPath)
	if err != nil {
		t.Fatalf("LoadOverrides(json) error = %v", err)
	}
	if got["a2"] != (importer.Override{Provider: "groq", ModelID: "llama-3"}) {
		t.Errorf("a2 = %+v", got["a2"])
	}

	bad := writeConfig(t, dir, "bad.yaml", "a3: {provider: openai}")
	if _, err := LoadOverrides(bad); err == nil || !strings.Contains(err.Error(), "a3") {
		t.Errorf("error = %v, want mention of a3", err)
	}
}
