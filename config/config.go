// Package config loads flowport.yaml: store backend, id strategy, import
// policy, model overrides, inbox schedule and telemetry settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/flowport/idgen"
	"github.com/petal-labs/flowport/importer"
)

const (
	projectConfigName = "flowport.yaml"
	homeConfigName    = "config.yaml"
	homeConfigDir     = ".flowport"

	// EnvSQLitePath and EnvRedisURL override the file's store settings.
	EnvSQLitePath = "FLOWPORT_SQLITE_PATH"
	EnvRedisURL   = "FLOWPORT_REDIS_URL"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// File is the flowport.yaml shape.
type File struct {
	Store     StoreConfig                  `yaml:"store"`
	IDs       IDsConfig                    `yaml:"ids"`
	Import    ImportConfig                 `yaml:"import"`
	Overrides map[string]importer.Override `yaml:"overrides,omitempty"`
	Inbox     InboxConfig                  `yaml:"inbox"`
	Telemetry TelemetryConfig              `yaml:"telemetry"`
	Server    ServerConfig                 `yaml:"server"`
	Events    EventsConfig                 `yaml:"events"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend     string `yaml:"backend"`
	SQLitePath  string `yaml:"sqlite_path,omitempty"`
	RedisURL    string `yaml:"redis_url,omitempty"`
	RedisPrefix string `yaml:"redis_prefix,omitempty"`
}

// IDsConfig selects the identifier generator.
type IDsConfig struct {
	Strategy string `yaml:"strategy"`
}

// ImportConfig holds import defaults. Atomic is a pointer so an absent key
// keeps the default of true.
type ImportConfig struct {
	Policy   string `yaml:"policy"`
	Atomic   *bool  `yaml:"atomic,omitempty"`
	Parallel bool   `yaml:"parallel,omitempty"`
}

// InboxConfig enables the directory importer when Dir is set.
type InboxConfig struct {
	Dir      string `yaml:"dir,omitempty"`
	Schedule string `yaml:"schedule,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	OTLPEndpoint   string        `yaml:"otlp_endpoint,omitempty"`
	Insecure       bool          `yaml:"insecure,omitempty"`
	ServiceName    string        `yaml:"service_name,omitempty"`
	MetricInterval time.Duration `yaml:"metric_interval,omitempty"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// EventsConfig configures the import event journal served by "serve".
// An empty Path keeps the journal in memory.
type EventsConfig struct {
	Path       string        `yaml:"path,omitempty"`
	Retention  time.Duration `yaml:"retention,omitempty"`
	MaxImports int           `yaml:"max_imports,omitempty"`
}

// Default returns the configuration used when no file is found.
func Default() File {
	atomic := true
	return File{
		Store:  StoreConfig{Backend: BackendMemory, SQLitePath: "flowport.db", RedisPrefix: "flowport"},
		IDs:    IDsConfig{Strategy: "uuid"},
		Import: ImportConfig{Policy: string(importer.PolicyLenient), Atomic: &atomic},
		Inbox:  InboxConfig{Schedule: "* * * * *"},
		Server: ServerConfig{Addr: ":8090"},
	}
}

// DiscoverPath resolves the config location with first-match semantics:
// the explicit path, ./flowport.yaml, then ~/.flowport/config.yaml.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// An explicit path must exist.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Resolve discovers and loads the config file, falling back to Default
// with environment overrides applied. The returned path is empty when no
// file was found.
func Resolve(explicitPath string) (File, string, error) {
	path, found, err := DiscoverPath(explicitPath)
	if err != nil {
		return File{}, "", err
	}
	if !found {
		f := Default()
		f.applyEnv(os.Getenv)
		return f, "", nil
	}
	f, err := Load(path)
	return f, path, err
}

// Load reads a config file over the defaults. ${VAR} references in string
// values are expanded, then the FLOWPORT_* environment overrides apply.
func Load(path string) (File, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	f := Default()
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	f.expandEnv()
	f.applyEnv(os.Getenv)

	baseDir := filepath.Dir(path)
	if f.Store.SQLitePath != "" && f.Store.SQLitePath != ":memory:" {
		f.Store.SQLitePath = resolveConfigRelative(baseDir, f.Store.SQLitePath)
	}
	if f.Inbox.Dir != "" {
		f.Inbox.Dir = resolveConfigRelative(baseDir, f.Inbox.Dir)
	}
	if f.Events.Path != "" && f.Events.Path != ":memory:" {
		f.Events.Path = resolveConfigRelative(baseDir, f.Events.Path)
	}

	if err := f.Validate(); err != nil {
		return File{}, fmt.Errorf("config %q: %w", path, err)
	}
	return f, nil
}

// Validate checks enumerated values.
func (f File) Validate() error {
	var errs []error
	switch f.Store.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("store.backend %q must be memory, sqlite or redis", f.Store.Backend))
	}
	if f.Store.Backend == BackendRedis && strings.TrimSpace(f.Store.RedisURL) == "" {
		errs = append(errs, errors.New("store.redis_url is required for the redis backend"))
	}
	if _, err := idgen.ForStrategy(f.IDs.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("ids.strategy: %w", err))
	}
	if _, err := importer.ParsePolicy(f.Import.Policy); err != nil {
		errs = append(errs, fmt.Errorf("import.policy: %w", err))
	}
	if f.Telemetry.MetricInterval < 0 {
		errs = append(errs, errors.New("telemetry.metric_interval must not be negative"))
	}
	if f.Events.Retention < 0 {
		errs = append(errs, errors.New("events.retention must not be negative"))
	}
	for id, o := range f.Overrides {
		if strings.TrimSpace(o.Provider) == "" || strings.TrimSpace(o.ModelID) == "" {
			errs = append(errs, fmt.Errorf("overrides.%s: provider and model_id are required", id))
		}
	}
	return errors.Join(errs...)
}

// ImportOptions converts the import section and overrides.
func (f File) ImportOptions() (importer.Options, error) {
	policy, err := importer.ParsePolicy(f.Import.Policy)
	if err != nil {
		return importer.Options{}, err
	}
	opts := importer.Options{
		Policy:   policy,
		Atomic:   f.Import.Atomic == nil || *f.Import.Atomic,
		Parallel: f.Import.Parallel,
	}
	if len(f.Overrides) > 0 {
		opts.Overrides = make(map[string]importer.Override, len(f.Overrides))
		for id, o := range f.Overrides {
			opts.Overrides[id] = o
		}
	}
	return opts, nil
}

// Generator returns the configured id generator.
func (f File) Generator() (idgen.Generator, error) {
	return idgen.ForStrategy(f.IDs.Strategy)
}

// LoadOverrides reads a YAML or JSON map of old agent id to override.
func LoadOverrides(path string) (map[string]importer.Override, error) {
	// #nosec G304 -- path supplied by the operator.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading overrides %q: %w", path, err)
	}
	var raw map[string]struct {
		Provider   string `yaml:"provider"`
		ModelID    string `yaml:"model_id"`
		ModelIDAlt string `yaml:"modelId"`
		ModelName  string `yaml:"model_name"`
		NameAlt    string `yaml:"modelName"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing overrides %q: %w", path, err)
	}
	out := make(map[string]importer.Override, len(raw))
	for id, r := range raw {
		o := importer.Override{Provider: r.Provider, ModelID: r.ModelID, ModelName: r.ModelName}
		if o.ModelID == "" {
			o.ModelID = r.ModelIDAlt
		}
		if o.ModelName == "" {
			o.ModelName = r.NameAlt
		}
		if o.Provider == "" || o.ModelID == "" {
			return nil, fmt.Errorf("overrides %q: %s needs provider and model id", path, id)
		}
		out[id] = o
	}
	return out, nil
}

func (f *File) expandEnv() {
	for _, s := range []*string{
		&f.Store.SQLitePath,
		&f.Store.RedisURL,
		&f.Store.RedisPrefix,
		&f.Inbox.Dir,
		&f.Events.Path,
		&f.Telemetry.OTLPEndpoint,
		&f.Server.Addr,
	} {
		*s = strings.TrimSpace(os.ExpandEnv(*s))
	}
	f.Store.Backend = strings.ToLower(strings.TrimSpace(f.Store.Backend))
	f.IDs.Strategy = strings.ToLower(strings.TrimSpace(f.IDs.Strategy))
}

func (f *File) applyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvSQLitePath)); v != "" {
		f.Store.SQLitePath = v
	}
	if v := strings.TrimSpace(getenv(EnvRedisURL)); v != "" {
		f.Store.RedisURL = v
	}
}

func resolveConfigRelative(baseDir, p string) string {
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
