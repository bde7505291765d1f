package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return Load(viper.New(), fs)
}

func TestNew(t *testing.T) {
	cfg := New()
	if cfg.Listen != DefaultListen {
		t.Errorf("Listen = %q, want %q", cfg.Listen, DefaultListen)
	}
	if cfg.AdminListen != DefaultAdminListen {
		t.Errorf("AdminListen = %q, want %q", cfg.AdminListen, DefaultAdminListen)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	limits, err := cfg.ProtocolLimits()
	if err != nil {
		t.Fatal(err)
	}
	if limits.MaxInfoBytes != 16<<20 || limits.MaxPayloadBytes != 256<<20 {
		t.Errorf("ProtocolLimits() = %+v", limits)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(t)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.FlushInterval != 60*time.Millisecond {
		t.Errorf("FlushInterval = %v", cfg.Server.FlushInterval)
	}
	if cfg.File() != "" {
		t.Errorf("File() = %q, want none", cfg.File())
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fisync.yaml")
	file := `
listen: ":7000"
password: from-file
flush-interval: 25ms
log-format: json
phantom: [head, chest]
`
	if err := os.WriteFile(path, []byte(file), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FISYNC_PASSWORD", "from-env")
	t.Setenv("FISYNC_MAX_SESSIONS", "12")

	cfg, err := load(t, "--config", path, "--log-format", "text")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"listen from file", cfg.Listen, ":7000"},
		{"password env over file", cfg.Password, "from-env"},
		{"flush interval from file", cfg.Server.FlushInterval, 25 * time.Millisecond},
		{"max sessions from env", cfg.Server.MaxSessions, 12},
		{"log format flag over file", cfg.Log.Format, "text"},
		{"phantoms from file", strings.Join(cfg.Datasets.Phantoms, ","), "head,chest"},
		{"file", cfg.File(), path},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := load(t, "--config", filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() with a missing config file succeeded")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no listen", func(c *Config) { c.Listen = "" }, "listen address"},
		{"bad size", func(c *Config) { c.Limits.MaxPayload = "lots" }, "max-payload"},
		{"zero size", func(c *Config) { c.Limits.MaxInfo = "0" }, "max-info"},
		{"queue", func(c *Config) { c.Server.QueueSize = 0 }, "queue-size"},
		{"level", func(c *Config) { c.Log.Level = "loud" }, "log-level"},
		{"format", func(c *Config) { c.Log.Format = "xml" }, "log-format"},
		{"ratio", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "trace-sample-ratio"},
		{"dims", func(c *Config) {
			c.Datasets.Phantoms = []string{"head"}
			c.Datasets.PhantomDims = "64x64"
		}, "phantom-dims"},
		{"watch", func(c *Config) { c.Datasets.Watch = true }, "datasets-watch"},
		{"store", func(c *Config) { c.Datasets.Store = "ftp" }, "unknown store"},
		{"bucket", func(c *Config) { c.Datasets.Store = StoreMinio }, "s3-bucket"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := New()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tc.want)
			}
		})
	}
}

func TestDimensions(t *testing.T) {
	d := DatasetsConfig{PhantomDims: "64X32x 8"}
	dims, err := d.Dimensions()
	if err != nil {
		t.Fatal(err)
	}
	if dims != [3]int{64, 32, 8} {
		t.Errorf("Dimensions() = %v", dims)
	}
}

func TestServeConfig(t *testing.T) {
	cfg := New()
	cfg.Password = "pw"
	cfg.Limits.MaxPayload = "1MiB"
	cfg.Server.MaxSessions = 3
	sc, err := cfg.ServeConfig(slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if sc.Address != DefaultListen || sc.Password != "pw" || sc.MaxSessions != 3 {
		t.Errorf("ServeConfig() = %+v", sc)
	}
	if sc.Limits.MaxPayloadBytes != 1<<20 {
		t.Errorf("MaxPayloadBytes = %d", sc.Limits.MaxPayloadBytes)
	}
}
