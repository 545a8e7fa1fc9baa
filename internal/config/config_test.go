package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/schaermu/dirsyncd/internal/syncerr"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmpDir, "WebResources"), 0755); err != nil {
		t.Fatal(err)
	}

	content := `
sync:
  workers: 2
  allow_delete: true
  retry:
    max_attempts: 5
    initial_interval: 50ms
    max_interval: 1s

mappings:
  - name: web
    source: ./WebResources
    destination: ./out/www
    include: ["*.js", "*.html"]
    exclude: ["*.tmp"]
    conflict_policy: preserve-extra
    compare: hash
    mod_time_window: 2s
`
	path := writeConfig(t, tmpDir, "config.yaml", content)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Path() != path {
		t.Errorf("expected path %s, got %s", path, cfg.Path())
	}
	if cfg.Sync.Workers != 2 {
		t.Errorf("expected 2 workers, got %d", cfg.Sync.Workers)
	}
	if !cfg.Sync.AllowDelete {
		t.Error("expected allow_delete to be true")
	}
	if cfg.Sync.Retry.MaxAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", cfg.Sync.Retry.MaxAttempts)
	}
	if cfg.Sync.Retry.InitialInterval.Std() != 50*time.Millisecond {
		t.Errorf("expected 50ms initial interval, got %s", cfg.Sync.Retry.InitialInterval.Std())
	}
	if cfg.Sync.HashAlgorithm != HashXXH3 {
		t.Errorf("expected default hash algorithm xxh3, got %s", cfg.Sync.HashAlgorithm)
	}

	if len(cfg.Mappings) != 1 {
		t.Fatalf("expected 1 mapping, got %d", len(cfg.Mappings))
	}
	m := cfg.Mappings[0]
	if m.Source != filepath.Join(tmpDir, "WebResources") {
		t.Errorf("source not resolved against config dir: %s", m.Source)
	}
	if m.Destination != filepath.Join(tmpDir, "out", "www") {
		t.Errorf("destination not resolved against config dir: %s", m.Destination)
	}
	if m.ConflictPolicy != PolicyPreserveExtra {
		t.Errorf("expected preserve-extra, got %s", m.ConflictPolicy)
	}
	if m.Compare != CompareHash {
		t.Errorf("expected hash compare, got %s", m.Compare)
	}
	if m.ModTimeWindow.Std() != 2*time.Second {
		t.Errorf("expected 2s window, got %s", m.ModTimeWindow.Std())
	}
	if len(m.Include) != 2 || len(m.Exclude) != 1 {
		t.Errorf("unexpected patterns: include=%v exclude=%v", m.Include, m.Exclude)
	}
}

func TestLoad_Defaults(t *testing.T) {
	tmpDir := t.TempDir()
	src := filepath.Join(tmpDir, "src")
	if err := os.MkdirAll(src, 0755); err != nil {
		t.Fatal(err)
	}

	path := writeConfig(t, tmpDir, "config.yml", `
mappings:
  - source: `+src+`
    destination: `+filepath.Join(tmpDir, "dst")+`
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Sync.Workers != defaultWorkers {
		t.Errorf("expected default workers %d, got %d", defaultWorkers, cfg.Sync.Workers)
	}
	if cfg.Sync.AllowDelete {
		t.Error("allow_delete should default to false")
	}
	if cfg.Sync.Retry.MaxAttempts != defaultMaxAttempts {
		t.Errorf("expected default attempts %d, got %d", defaultMaxAttempts, cfg.Sync.Retry.MaxAttempts)
	}
	if cfg.Sync.Retry.MaxInterval != defaultMaxInterval {
		t.Errorf("expected default max interval, got %s", cfg.Sync.Retry.MaxInterval.Std())
	}

	m := cfg.Mappings[0]
	if m.Name != "src" {
		t.Errorf("expected mapping name derived from source, got %q", m.Name)
	}
	if m.ConflictPolicy != PolicyMirror {
		t.Errorf("expected default policy mirror, got %s", m.ConflictPolicy)
	}
	if m.Compare != CompareMetadata {
		t.Errorf("expected default compare metadata, got %s", m.Compare)
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	tmpDir := t.TempDir()
	src := filepath.Join(tmpDir, "src")
	if err := os.MkdirAll(src, 0755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DIRSYNCD_TEST_ROOT", tmpDir)

	path := writeConfig(t, tmpDir, "config.yaml", `
mappings:
  - source: ${DIRSYNCD_TEST_ROOT}/src
    destination: ${DIRSYNCD_TEST_ROOT}/dst
`)

	cfg, err := Load("${DIRSYNCD_TEST_ROOT}/config.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Path() != path {
		t.Errorf("expected expanded config path %s, got %s", path, cfg.Path())
	}
	if cfg.Mappings[0].Destination != filepath.Join(tmpDir, "dst") {
		t.Errorf("destination not expanded: %s", cfg.Mappings[0].Destination)
	}
}

func TestLoad_ExpandsEnvInEveryStringField(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmpDir, "src"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "secret"), []byte("s3cret\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DIRSYNCD_TEST_NAME", "web")
	t.Setenv("DIRSYNCD_TEST_EXT", "js")
	t.Setenv("DIRSYNCD_TEST_POLICY", "preserve-extra")
	t.Setenv("DIRSYNCD_TEST_COMPARE", "hash")
	t.Setenv("DIRSYNCD_TEST_ALGO", "sha256")
	t.Setenv("DIRSYNCD_TEST_INTERVAL", "15m")

	path := writeConfig(t, tmpDir, "config.yaml", `
sync:
  hash_algorithm: ${DIRSYNCD_TEST_ALGO}
mappings:
  - name: site-${DIRSYNCD_TEST_NAME}
    source: src
    destination: dst
    include: ["*.${DIRSYNCD_TEST_EXT}"]
    exclude: ["*.min.${DIRSYNCD_TEST_EXT}"]
    conflict_policy: ${DIRSYNCD_TEST_POLICY}
    compare: ${DIRSYNCD_TEST_COMPARE}
serve:
  enabled: true
  listen_addr: 127.0.0.1:8484
  schedule: "@every ${DIRSYNCD_TEST_INTERVAL}"
  trigger_secret_file: secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	m := cfg.Mappings[0]
	if m.Name != "site-web" {
		t.Errorf("name = %q, want site-web", m.Name)
	}
	if len(m.Include) != 1 || m.Include[0] != "*.js" {
		t.Errorf("include = %v, want [*.js]", m.Include)
	}
	if len(m.Exclude) != 1 || m.Exclude[0] != "*.min.js" {
		t.Errorf("exclude = %v, want [*.min.js]", m.Exclude)
	}
	if m.ConflictPolicy != PolicyPreserveExtra || m.Compare != CompareHash {
		t.Errorf("policy = %s, compare = %s", m.ConflictPolicy, m.Compare)
	}
	if cfg.Sync.HashAlgorithm != HashSHA256 {
		t.Errorf("hash_algorithm = %s, want sha256", cfg.Sync.HashAlgorithm)
	}
	if cfg.Serve.Schedule != "@every 15m" {
		t.Errorf("schedule = %q, want @every 15m", cfg.Serve.Schedule)
	}
}

func TestLoad_XML(t *testing.T) {
	tmpDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmpDir, "Sample", "WebResources"), 0755); err != nil {
		t.Fatal(err)
	}

	path := writeConfig(t, tmpDir, "Configuration.xml", `<?xml version="1.0" encoding="utf-8"?>
<Configuration>
  <Sync workers="8" allowDelete="true" hashAlgorithm="sha256" initialInterval="10ms"/>
  <Mapping name="web" source="Sample/WebResources" destination="deploy"
           conflictPolicy="preserve-extra" compare="hash" modTimeWindow="1s">
    <Include>
      *.js
    </Include>
    <Include>*.css</Include>
    <Exclude>drafts/</Exclude>
  </Mapping>
</Configuration>
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Sync.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.Sync.Workers)
	}
	if !cfg.Sync.AllowDelete {
		t.Error("expected allowDelete to be true")
	}
	if cfg.Sync.HashAlgorithm != HashSHA256 {
		t.Errorf("expected sha256, got %s", cfg.Sync.HashAlgorithm)
	}
	if cfg.Sync.Retry.InitialInterval.Std() != 10*time.Millisecond {
		t.Errorf("expected 10ms, got %s", cfg.Sync.Retry.InitialInterval.Std())
	}

	m := cfg.Mappings[0]
	if m.Name != "web" {
		t.Errorf("expected name web, got %s", m.Name)
	}
	if m.Source != filepath.Join(tmpDir, "Sample", "WebResources") {
		t.Errorf("unexpected source %s", m.Source)
	}
	if len(m.Include) != 2 || m.Include[0] != "*.js" || m.Include[1] != "*.css" {
		t.Errorf("unexpected include patterns %q", m.Include)
	}
	if len(m.Exclude) != 1 || m.Exclude[0] != "drafts/" {
		t.Errorf("unexpected exclude patterns %q", m.Exclude)
	}
	if m.ConflictPolicy != PolicyPreserveExtra || m.Compare != CompareHash {
		t.Errorf("unexpected policy/compare %s/%s", m.ConflictPolicy, m.Compare)
	}
}

func TestLoad_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "malformed yaml", file: "bad.yaml", content: "mappings: [\n"},
		{name: "malformed xml", file: "bad.xml", content: "<Configuration><Mapping>"},
		{name: "no mappings", file: "empty.yaml", content: "sync:\n  workers: 2\n"},
		{name: "missing source", file: "nosrc.yaml", content: "mappings:\n  - destination: /tmp/x\n"},
		{name: "source does not exist", file: "gone.yaml", content: "mappings:\n  - source: ./nope\n    destination: ./out\n"},
		{name: "bad duration", file: "dur.yaml", content: "sync:\n  retry:\n    max_interval: soon\nmappings: []\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tmpDir, tt.file, tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !syncerr.IsKind(err, syncerr.KindConfig) {
				t.Errorf("expected config error, got %v", err)
			}
		})
	}

	t.Run("unreadable file", func(t *testing.T) {
		_, err := Load(filepath.Join(tmpDir, "missing.yaml"))
		if !syncerr.IsKind(err, syncerr.KindConfig) {
			t.Errorf("expected config error, got %v", err)
		}
	})
}

func TestValidate(t *testing.T) {
	tmpDir := t.TempDir()
	src := filepath.Join(tmpDir, "src")
	if err := os.MkdirAll(src, 0755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(tmpDir, "file.txt")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(tmpDir, "dst")

	valid := func() Config {
		cfg := Config{
			Mappings: []Mapping{{Name: "m", Source: src, Destination: dst}},
		}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(c *Config) {}, wantErr: false},
		{
			name:    "missing destination",
			mutate:  func(c *Config) { c.Mappings[0].Destination = "" },
			wantErr: true,
		},
		{
			name:    "source is a file",
			mutate:  func(c *Config) { c.Mappings[0].Source = file },
			wantErr: true,
		},
		{
			name:    "destination does not need to exist",
			mutate:  func(c *Config) { c.Mappings[0].Destination = filepath.Join(tmpDir, "a", "b", "c") },
			wantErr: false,
		},
		{
			name:    "same source and destination",
			mutate:  func(c *Config) { c.Mappings[0].Destination = src },
			wantErr: true,
		},
		{
			name:    "destination inside source",
			mutate:  func(c *Config) { c.Mappings[0].Destination = filepath.Join(src, "out") },
			wantErr: true,
		},
		{
			name:    "source inside destination",
			mutate:  func(c *Config) { c.Mappings[0].Destination = tmpDir },
			wantErr: true,
		},
		{
			name:    "sibling with shared prefix is fine",
			mutate:  func(c *Config) { c.Mappings[0].Destination = src + "-copy" },
			wantErr: false,
		},
		{
			name:    "invalid conflict policy",
			mutate:  func(c *Config) { c.Mappings[0].ConflictPolicy = "overwrite-all" },
			wantErr: true,
		},
		{
			name:    "invalid compare mode",
			mutate:  func(c *Config) { c.Mappings[0].Compare = "checksum" },
			wantErr: true,
		},
		{
			name:    "negative mod time window",
			mutate:  func(c *Config) { c.Mappings[0].ModTimeWindow = Duration(-time.Second) },
			wantErr: true,
		},
		{
			name:    "empty include pattern",
			mutate:  func(c *Config) { c.Mappings[0].Include = []string{"*.js", " "} },
			wantErr: true,
		},
		{
			name: "duplicate names",
			mutate: func(c *Config) {
				c.Mappings = append(c.Mappings, Mapping{
					Name: "m", Source: src, Destination: filepath.Join(tmpDir, "other"),
					ConflictPolicy: PolicyMirror, Compare: CompareMetadata,
				})
			},
			wantErr: true,
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Sync.Workers = 0 },
			wantErr: true,
		},
		{
			name:    "unknown hash algorithm",
			mutate:  func(c *Config) { c.Sync.HashAlgorithm = "md5" },
			wantErr: true,
		},
		{
			name: "max interval below initial interval",
			mutate: func(c *Config) {
				c.Sync.Retry.InitialInterval = Duration(time.Second)
				c.Sync.Retry.MaxInterval = Duration(time.Millisecond)
			},
			wantErr: true,
		},
		{
			name:    "serve without listen addr",
			mutate:  func(c *Config) { c.Serve = ServeConfig{Enabled: true, Schedule: "@every 5m"} },
			wantErr: true,
		},
		{
			name:    "serve without schedule or trigger",
			mutate:  func(c *Config) { c.Serve = ServeConfig{Enabled: true, ListenAddr: ":8484"} },
			wantErr: true,
		},
		{
			name: "serve with invalid schedule",
			mutate: func(c *Config) {
				c.Serve = ServeConfig{Enabled: true, ListenAddr: ":8484", Schedule: "every now and then"}
			},
			wantErr: true,
		},
		{
			name: "serve with cron schedule",
			mutate: func(c *Config) {
				c.Serve = ServeConfig{Enabled: true, ListenAddr: ":8484", Schedule: "*/5 * * * *"}
			},
			wantErr: false,
		},
		{
			name: "serve disabled skips validation",
			mutate: func(c *Config) {
				c.Serve = ServeConfig{Enabled: false, Schedule: "garbage"}
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !syncerr.IsKind(err, syncerr.KindConfig) {
				t.Errorf("expected config error kind, got %v", err)
			}
		})
	}
}

func TestIsWithin(t *testing.T) {
	sep := string(filepath.Separator)
	tests := []struct {
		parent, child string
		want          bool
	}{
		{sep + "a", sep + "a" + sep + "b", true},
		{sep + "a", sep + "a", false},
		{sep + "a", sep + "ab", false},
		{sep + "a" + sep + "b", sep + "a", false},
	}
	for _, tt := range tests {
		if got := isWithin(tt.parent, tt.child); got != tt.want {
			t.Errorf("isWithin(%q, %q) = %v, want %v", tt.parent, tt.child, got, tt.want)
		}
	}
}
