package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/dirsyncd/internal/syncerr"
)

// ConflictPolicy defines what happens to destination files that have no
// counterpart in the source
type ConflictPolicy string

const (
	// PolicyMirror plans a delete for every extra destination file.
	PolicyMirror ConflictPolicy = "mirror"
	// PolicyPreserveExtra leaves extra destination files untouched.
	PolicyPreserveExtra ConflictPolicy = "preserve-extra"
)

// CompareMode defines how files present on both sides are compared
type CompareMode string

const (
	CompareMetadata CompareMode = "metadata"
	CompareHash     CompareMode = "hash"
)

// Hash algorithms accepted by sync.hash_algorithm
const (
	HashXXH3   = "xxh3"
	HashSHA256 = "sha256"
)

const (
	defaultWorkers         = 4
	defaultMaxAttempts     = 4
	defaultInitialInterval = Duration(100 * time.Millisecond)
	defaultMaxInterval     = Duration(2 * time.Second)
)

// Config represents the complete dirsyncd configuration
type Config struct {
	Sync     SyncConfig  `yaml:"sync"`
	Mappings []Mapping   `yaml:"mappings"`
	Serve    ServeConfig `yaml:"serve"`

	// path is the absolute path of the loaded file, empty for configs built in code.
	path string
}

// SyncConfig configures run-wide sync behavior
type SyncConfig struct {
	Workers       int         `yaml:"workers"`
	AllowDelete   bool        `yaml:"allow_delete"`
	HashAlgorithm string      `yaml:"hash_algorithm"`
	Retry         RetryConfig `yaml:"retry"`
}

// RetryConfig bounds retries of transient failures. MaxAttempts counts the
// first try, so 1 disables retrying.
type RetryConfig struct {
	MaxAttempts     int      `yaml:"max_attempts"`
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
}

// Mapping is one source -> destination directory pair
type Mapping struct {
	Name           string         `yaml:"name"`
	Source         string         `yaml:"source"`
	Destination    string         `yaml:"destination"`
	Include        []string       `yaml:"include"`
	Exclude        []string       `yaml:"exclude"`
	ConflictPolicy ConflictPolicy `yaml:"conflict_policy"`
	Compare        CompareMode    `yaml:"compare"`
	ModTimeWindow  Duration       `yaml:"mod_time_window"`
}

// ServeConfig configures the long-running trigger server
type ServeConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ListenAddr        string `yaml:"listen_addr"`
	Schedule          string `yaml:"schedule"`
	TriggerSecretFile string `yaml:"trigger_secret_file"`
}

// Duration is a time.Duration that decodes from strings such as "250ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText implements encoding.TextUnmarshaler, used for XML attributes.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads, parses and validates the configuration file. YAML is used
// unless the file has an .xml extension.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, syncerr.Config("resolve path", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, syncerr.Config("read", fmt.Errorf("failed to read config file: %w", err))
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".xml":
		cfg, err = parseXML(data)
	default:
		cfg, err = parseYAML(data)
	}
	if err != nil {
		return nil, syncerr.Config("parse", fmt.Errorf("failed to parse config file: %w", err))
	}
	cfg.path = absPath

	cfg.expandEnv()
	cfg.resolvePaths(filepath.Dir(absPath))
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parseYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// expandEnv expands environment variables in every string field
func (c *Config) expandEnv() {
	c.Sync.HashAlgorithm = os.ExpandEnv(c.Sync.HashAlgorithm)

	for i := range c.Mappings {
		m := &c.Mappings[i]
		m.Name = os.ExpandEnv(m.Name)
		m.Source = os.ExpandEnv(m.Source)
		m.Destination = os.ExpandEnv(m.Destination)
		m.ConflictPolicy = ConflictPolicy(os.ExpandEnv(string(m.ConflictPolicy)))
		m.Compare = CompareMode(os.ExpandEnv(string(m.Compare)))
		for j := range m.Include {
			m.Include[j] = os.ExpandEnv(m.Include[j])
		}
		for j := range m.Exclude {
			m.Exclude[j] = os.ExpandEnv(m.Exclude[j])
		}
	}

	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.Schedule = os.ExpandEnv(c.Serve.Schedule)
	c.Serve.TriggerSecretFile = os.ExpandEnv(c.Serve.TriggerSecretFile)
}

// resolvePaths makes relative mapping and secret paths relative to baseDir.
func (c *Config) resolvePaths(baseDir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}

	for i := range c.Mappings {
		m := &c.Mappings[i]
		m.Source = resolve(m.Source)
		m.Destination = resolve(m.Destination)
	}
	c.Serve.TriggerSecretFile = resolve(c.Serve.TriggerSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Sync.Workers == 0 {
		c.Sync.Workers = defaultWorkers
	}
	if c.Sync.HashAlgorithm == "" {
		c.Sync.HashAlgorithm = HashXXH3
	}
	if c.Sync.Retry.MaxAttempts == 0 {
		c.Sync.Retry.MaxAttempts = defaultMaxAttempts
	}
	if c.Sync.Retry.InitialInterval == 0 {
		c.Sync.Retry.InitialInterval = defaultInitialInterval
	}
	if c.Sync.Retry.MaxInterval == 0 {
		c.Sync.Retry.MaxInterval = defaultMaxInterval
	}

	for i := range c.Mappings {
		m := &c.Mappings[i]
		if m.Name == "" && m.Source != "" {
			m.Name = filepath.Base(m.Source)
		}
		if m.ConflictPolicy == "" {
			m.ConflictPolicy = PolicyMirror
		}
		if m.Compare == "" {
			m.Compare = CompareMetadata
		}
	}
}

// Validate checks the configuration for errors. Sources must exist;
// destinations are created on demand and are not checked.
func (c *Config) Validate() error {
	if c.Sync.Workers < 1 {
		return syncerr.Configf("sync.workers must be at least 1, got %d", c.Sync.Workers)
	}
	switch c.Sync.HashAlgorithm {
	case HashXXH3, HashSHA256:
		// valid
	default:
		return syncerr.Configf("invalid sync.hash_algorithm: %s (must be xxh3 or sha256)", c.Sync.HashAlgorithm)
	}
	if c.Sync.Retry.MaxAttempts < 1 {
		return syncerr.Configf("sync.retry.max_attempts must be at least 1, got %d", c.Sync.Retry.MaxAttempts)
	}
	if c.Sync.Retry.InitialInterval < 0 || c.Sync.Retry.MaxInterval < 0 {
		return syncerr.Configf("sync.retry intervals must not be negative")
	}
	if c.Sync.Retry.MaxInterval < c.Sync.Retry.InitialInterval {
		return syncerr.Configf("sync.retry.max_interval must not be smaller than initial_interval")
	}

	if len(c.Mappings) == 0 {
		return syncerr.Configf("at least one mapping is required")
	}

	names := make(map[string]bool, len(c.Mappings))
	for i := range c.Mappings {
		m := &c.Mappings[i]
		if err := m.validate(i); err != nil {
			return err
		}
		if names[m.Name] {
			return syncerr.Configf("mappings[%d]: duplicate mapping name %q", i, m.Name)
		}
		names[m.Name] = true
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return syncerr.Configf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.Schedule == "" && c.Serve.TriggerSecretFile == "" {
			return syncerr.Configf("serve requires serve.schedule or serve.trigger_secret_file")
		}
		if c.Serve.Schedule != "" {
			if _, err := cron.ParseStandard(c.Serve.Schedule); err != nil {
				return syncerr.Configf("invalid serve.schedule %q: %v", c.Serve.Schedule, err)
			}
		}
	}

	return nil
}

func (m *Mapping) validate(i int) error {
	if m.Source == "" {
		return syncerr.Configf("mappings[%d].source is required", i)
	}
	if m.Destination == "" {
		return syncerr.Configf("mappings[%d].destination is required", i)
	}

	info, err := os.Stat(m.Source)
	if err != nil {
		return syncerr.Configf("mappings[%d].source %s is not accessible: %v", i, m.Source, err)
	}
	if !info.IsDir() {
		return syncerr.Configf("mappings[%d].source %s is not a directory", i, m.Source)
	}

	src := filepath.Clean(m.Source)
	dst := filepath.Clean(m.Destination)
	if src == dst {
		return syncerr.Configf("mappings[%d]: source and destination are the same directory", i)
	}
	if isWithin(src, dst) || isWithin(dst, src) {
		return syncerr.Configf("mappings[%d]: source and destination must not contain each other", i)
	}

	switch m.ConflictPolicy {
	case PolicyMirror, PolicyPreserveExtra:
		// valid
	default:
		return syncerr.Configf("invalid mappings[%d].conflict_policy: %s (must be mirror or preserve-extra)", i, m.ConflictPolicy)
	}

	switch m.Compare {
	case CompareMetadata, CompareHash:
		// valid
	default:
		return syncerr.Configf("invalid mappings[%d].compare: %s (must be metadata or hash)", i, m.Compare)
	}

	if m.ModTimeWindow < 0 {
		return syncerr.Configf("mappings[%d].mod_time_window must not be negative", i)
	}

	for _, p := range m.Include {
		if strings.TrimSpace(p) == "" {
			return syncerr.Configf("mappings[%d].include contains an empty pattern", i)
		}
	}
	for _, p := range m.Exclude {
		if strings.TrimSpace(p) == "" {
			return syncerr.Configf("mappings[%d].exclude contains an empty pattern", i)
		}
	}

	return nil
}

// isWithin reports whether child is located below parent.
func isWithin(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
