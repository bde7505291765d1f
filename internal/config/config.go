package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fisync/fisync/pkg/dataset"
	"github.com/fisync/fisync/pkg/protocol"
	"github.com/fisync/fisync/pkg/server"
)

const (
	// EnvPrefix prefixes environment overrides: FISYNC_ADMIN_LISTEN sets
	// admin-listen.
	EnvPrefix = "FISYNC"

	// DefaultListen is the default FI listen address.
	DefaultListen = ":4510"

	// DefaultAdminListen is the default admin HTTP address.
	DefaultAdminListen = ":4511"
)

// Dataset store kinds.
const (
	StoreNone  = ""
	StoreS3    = "s3"
	StoreMinio = "minio"
)

// Config is the fisync serve configuration.
type Config struct {
	// Listen is the FI TCP address.
	Listen string

	// AdminListen is the admin HTTP address. Empty disables it.
	AdminListen string

	// Password is the shared client secret.
	Password string

	Limits    LimitsConfig
	Server    ServerConfig
	Log       LogConfig
	Telemetry TelemetryConfig
	Datasets  DatasetsConfig

	// Demo registers the demo module.
	Demo bool

	// file is the config file that was read, if any.
	file string
}

// LimitsConfig bounds inbound messages. Sizes accept humanized values
// such as "64KiB" or "512MB".
type LimitsConfig struct {
	MaxInfo    string
	MaxPayload string
}

// ServerConfig holds connection and lifecycle tuning.
type ServerConfig struct {
	QueueSize       int
	FlushInterval   time.Duration
	MaxSessions     int
	ShutdownTimeout time.Duration
	Profiling       bool
}

// LogConfig selects the log handler.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string
	// Format is text or json.
	Format string
}

// TelemetryConfig configures tracing and OpenTelemetry metrics.
type TelemetryConfig struct {
	OTLPEndpoint   string
	SampleRatio    float64
	RuntimeMetrics bool
}

// DatasetsConfig selects where datasets come from.
type DatasetsConfig struct {
	// Dir is a directory of manifest + raw file pairs.
	Dir string
	// Watch reloads datasets in Dir when they change.
	Watch bool
	// Phantoms are synthetic datasets generated at start.
	Phantoms []string
	// PhantomDims is the size of generated phantoms, e.g. "64x64x32".
	PhantomDims string
	// WritePhantoms stores generated phantoms in Dir.
	WritePhantoms bool
	// Store is "", "s3" or "minio".
	Store  string
	Object dataset.ObjectConfig
}

// New returns the default configuration.
func New() *Config {
	return &Config{
		Listen:      DefaultListen,
		AdminListen: DefaultAdminListen,
		Limits: LimitsConfig{
			MaxInfo:    humanize.IBytes(uint64(protocol.DefaultLimits().MaxInfoBytes)),
			MaxPayload: humanize.IBytes(uint64(protocol.DefaultLimits().MaxPayloadBytes)),
		},
		Server: ServerConfig{
			QueueSize:       256,
			FlushInterval:   60 * time.Millisecond,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			SampleRatio: 1,
		},
		Datasets: DatasetsConfig{
			PhantomDims: "64x64x32",
		},
	}
}

// BindFlags defines the serve flags on fs with their defaults.
func BindFlags(fs *pflag.FlagSet) {
	d := New()
	fs.String("config", "", "config file (yaml, json or toml)")
	fs.String("listen", d.Listen, "FI TCP listen address")
	fs.String("admin-listen", d.AdminListen, "admin HTTP listen address (empty disables)")
	fs.String("password", "", "shared client password")
	fs.String("max-info", d.Limits.MaxInfo, "maximum info block size")
	fs.String("max-payload", d.Limits.MaxPayload, "maximum payload size")
	fs.Int("queue-size", d.Server.QueueSize, "per-connection outbound queue depth")
	fs.Duration("flush-interval", d.Server.FlushInterval, "module update flush interval")
	fs.Int("max-sessions", 0, "maximum live connections (0 is unlimited)")
	fs.Duration("shutdown-timeout", d.Server.ShutdownTimeout, "graceful shutdown timeout")
	fs.Bool("profiling", false, "serve pprof under /debug on the admin address")
	fs.String("log-level", d.Log.Level, "log level: debug, info, warn or error")
	fs.String("log-format", d.Log.Format, "log format: text or json")
	fs.String("otlp-endpoint", "", "OTLP trace collector (e.g. grpc://localhost:4317)")
	fs.Float64("trace-sample-ratio", d.Telemetry.SampleRatio, "fraction of traces sampled")
	fs.Bool("runtime-metrics", false, "export Go runtime metrics via OpenTelemetry")
	fs.String("datasets-dir", "", "directory of datasets")
	fs.Bool("datasets-watch", false, "reload datasets when files in datasets-dir change")
	fs.StringSlice("phantom", nil, "generate synthetic datasets with these IDs")
	fs.String("phantom-dims", d.Datasets.PhantomDims, "phantom dimensions XxYxZ")
	fs.Bool("write-phantoms", false, "store generated phantoms in datasets-dir")
	fs.String("store", StoreNone, "object store for datasets: s3 or minio")
	fs.String("s3-endpoint", "", "object store endpoint (empty uses AWS)")
	fs.String("s3-region", "", "object store region")
	fs.String("s3-bucket", "", "object store bucket")
	fs.String("s3-prefix", "", "object key prefix")
	fs.Bool("s3-insecure", false, "use plain HTTP for the object store")
	fs.Bool("s3-path-style", false, "use path-style bucket addressing")
	fs.Bool("demo", false, "register the demo module")
}

// Load builds the configuration from, in increasing precedence, defaults,
// the config file named by --config or FISYNC_CONFIG, the environment and
// the flags set on fs.
func Load(v *viper.Viper, fs *pflag.FlagSet) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("config: bind flag %q: %w", f.Name, err)
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cfg := New()
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("config: file %q: %w", path, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("config: file %q is a directory", path)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		cfg.file = path
	}

	cfg.Listen = v.GetString("listen")
	cfg.AdminListen = v.GetString("admin-listen")
	cfg.Password = v.GetString("password")
	cfg.Limits.MaxInfo = v.GetString("max-info")
	cfg.Limits.MaxPayload = v.GetString("max-payload")
	cfg.Server.QueueSize = v.GetInt("queue-size")
	cfg.Server.FlushInterval = v.GetDuration("flush-interval")
	cfg.Server.MaxSessions = v.GetInt("max-sessions")
	cfg.Server.ShutdownTimeout = v.GetDuration("shutdown-timeout")
	cfg.Server.Profiling = v.GetBool("profiling")
	cfg.Log.Level = v.GetString("log-level")
	cfg.Log.Format = v.GetString("log-format")
	cfg.Telemetry.OTLPEndpoint = v.GetString("otlp-endpoint")
	cfg.Telemetry.SampleRatio = v.GetFloat64("trace-sample-ratio")
	cfg.Telemetry.RuntimeMetrics = v.GetBool("runtime-metrics")
	cfg.Datasets.Dir = v.GetString("datasets-dir")
	cfg.Datasets.Watch = v.GetBool("datasets-watch")
	cfg.Datasets.Phantoms = v.GetStringSlice("phantom")
	cfg.Datasets.PhantomDims = v.GetString("phantom-dims")
	cfg.Datasets.WritePhantoms = v.GetBool("write-phantoms")
	cfg.Datasets.Store = strings.ToLower(strings.TrimSpace(v.GetString("store")))
	cfg.Datasets.Object = dataset.ObjectConfig{
		Endpoint:       v.GetString("s3-endpoint"),
		Region:         v.GetString("s3-region"),
		Bucket:         v.GetString("s3-bucket"),
		Prefix:         v.GetString("s3-prefix"),
		Insecure:       v.GetBool("s3-insecure"),
		ForcePathStyle: v.GetBool("s3-path-style"),
	}
	cfg.Demo = v.GetBool("demo")
	return cfg, cfg.Validate()
}

// File returns the config file that was read, or "".
func (c *Config) File() string { return c.file }

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Listen) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if _, err := c.ProtocolLimits(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("queue-size must be positive, got %d", c.Server.QueueSize))
	}
	if c.Server.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("flush-interval must be positive, got %v", c.Server.FlushInterval))
	}
	if c.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("max-sessions must not be negative, got %d", c.Server.MaxSessions))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log-format %q", c.Log.Format))
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("trace-sample-ratio must be in [0,1], got %v", r))
	}
	if len(c.Datasets.Phantoms) > 0 {
		if _, err := c.Datasets.Dimensions(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Datasets.Watch && c.Datasets.Dir == "" {
		errs = append(errs, errors.New("datasets-watch requires datasets-dir"))
	}
	if c.Datasets.WritePhantoms && c.Datasets.Dir == "" {
		errs = append(errs, errors.New("write-phantoms requires datasets-dir"))
	}
	switch c.Datasets.Store {
	case StoreNone:
	case StoreS3, StoreMinio:
		if c.Datasets.Object.Bucket == "" {
			errs = append(errs, fmt.Errorf("store %q requires s3-bucket", c.Datasets.Store))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store %q", c.Datasets.Store))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ProtocolLimits parses the size limits.
func (c *Config) ProtocolLimits() (protocol.Limits, error) {
	info, err := parseSize("max-info", c.Limits.MaxInfo)
	if err != nil {
		return protocol.Limits{}, err
	}
	payload, err := parseSize("max-payload", c.Limits.MaxPayload)
	if err != nil {
		return protocol.Limits{}, err
	}
	return protocol.Limits{MaxInfoBytes: info, MaxPayloadBytes: payload}, nil
}

func parseSize(name, s string) (uint32, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if n == 0 || n > 1<<32-1 {
		return 0, fmt.Errorf("%s must be between 1B and 4GiB, got %s", name, s)
	}
	return uint32(n), nil
}

// Dimensions parses PhantomDims.
func (d DatasetsConfig) Dimensions() ([3]int, error) {
	parts := strings.Split(strings.ToLower(d.PhantomDims), "x")
	if len(parts) != 3 {
		return [3]int{}, fmt.Errorf("phantom-dims %q is not XxYxZ", d.PhantomDims)
	}
	var dims [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 1 {
			return [3]int{}, fmt.Errorf("phantom-dims %q: invalid size %q", d.PhantomDims, p)
		}
		dims[i] = n
	}
	return dims, nil
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log-level %q", s)
	}
	return l, nil
}

// ServeConfig converts c into a server configuration using logger.
func (c *Config) ServeConfig(logger *slog.Logger) (*server.Config, error) {
	limits, err := c.ProtocolLimits()
	if err != nil {
		return nil, err
	}
	sc := server.DefaultConfig()
	sc.Address = c.Listen
	sc.AdminAddress = c.AdminListen
	sc.Password = c.Password
	sc.Limits = limits
	sc.QueueSize = c.Server.QueueSize
	sc.FlushInterval = c.Server.FlushInterval
	sc.MaxSessions = c.Server.MaxSessions
	sc.ShutdownTimeout = c.Server.ShutdownTimeout
	sc.Profiling = c.Server.Profiling
	sc.Logger = logger
	return sc, nil
}
