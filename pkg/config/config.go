// Package config loads the server configuration from a YAML file,
// SPADE_ prefixed environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/raphaelreyna/spade/pkg/cgi"
	"github.com/raphaelreyna/spade/pkg/httpmsg"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultFile is read when no file is named explicitly. It may be absent.
const DefaultFile = "config/spade.yaml"

// EnvPrefix prefixes every environment variable override, e.g. SPADE_PORT.
const EnvPrefix = "SPADE"

// Config is the complete server configuration.
type Config struct {
	Port           int            `mapstructure:"port"`
	Hostname       string         `mapstructure:"hostname"`
	StaticFilePath string         `mapstructure:"static_file_path"`
	CGITimeout     time.Duration  `mapstructure:"cgi_timeout"`
	ReadTimeout    time.Duration  `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration  `mapstructure:"write_timeout"`
	MaxConnections int64          `mapstructure:"max_connections"`
	MaxHeaderBytes int            `mapstructure:"max_header_bytes"`
	MaxBodyBytes   int64          `mapstructure:"max_body_bytes"`
	MaxOutputBytes int64          `mapstructure:"max_output_bytes"`
	NonzeroExit    cgi.ExitPolicy `mapstructure:"nonzero_exit"`
	Echo           bool           `mapstructure:"echo"`

	Log    Log     `mapstructure:"log"`
	Trace  Trace   `mapstructure:"trace"`
	Routes []Route `mapstructure:"routes"`
}

// Log configures the process logger.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Trace configures span export.
type Trace struct {
	Exporter string `mapstructure:"exporter"`
}

// Route binds a prefix to either a document root or an executable.
type Route struct {
	Prefix string `mapstructure:"prefix"`

	// Root makes this a static route.
	Root string `mapstructure:"root"`

	// Executable makes this a dynamic route. The remaining fields only
	// apply to dynamic routes.
	Executable string         `mapstructure:"executable"`
	Dir        string         `mapstructure:"dir"`
	Output     cgi.OutputMode `mapstructure:"output"`
	Timeout    time.Duration  `mapstructure:"timeout"`
	Env        []string       `mapstructure:"env"`
	InheritEnv []string       `mapstructure:"inherit_env"`
	// Header holds default response header fields as "Key: value".
	Header []string `mapstructure:"header"`
	// Stderr names a file the child's stderr is appended to.
	Stderr  string   `mapstructure:"stderr"`
	Breaker *Breaker `mapstructure:"breaker"`
}

// Breaker enables a circuit breaker in front of a dynamic route.
type Breaker struct {
	TripCount uint32        `mapstructure:"trip_count"`
	Timeout   time.Duration `mapstructure:"timeout"`

	// MaxRequests is how many trial requests a half-open circuit lets through.
	MaxRequests uint32 `mapstructure:"max_requests"`
	// Interval clears the failure count of a closed circuit periodically.
	Interval time.Duration `mapstructure:"interval"`
}

// Dynamic reports whether r runs an executable.
func (r Route) Dynamic() bool {
	return r.Executable != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("hostname", "spade")
	v.SetDefault("static_file_path", "static")
	v.SetDefault("cgi_timeout", cgi.DefaultTimeout)
	v.SetDefault("read_timeout", 10*time.Second)
	v.SetDefault("write_timeout", 10*time.Second)
	v.SetDefault("max_connections", 0)
	v.SetDefault("max_header_bytes", httpmsg.DefaultLimits.MaxLineBytes)
	v.SetDefault("max_body_bytes", httpmsg.DefaultLimits.MaxBodyBytes)
	v.SetDefault("max_output_bytes", cgi.DefaultMaxOutputBytes)
	v.SetDefault("nonzero_exit", cgi.ExitIgnore.String())
	v.SetDefault("echo", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("trace.exporter", "none")
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"port":   "port",
	"static": "static_file_path",
}

// Source says where configuration comes from besides defaults and the
// environment.
type Source struct {
	// File is the YAML file to read. Defaults to DefaultFile.
	File string
	// Required makes a missing File an error.
	Required bool
	// Flags, when set, override file and environment values for every
	// flag in it that was changed.
	Flags *pflag.FlagSet
}

// ReadError occurs when the configuration file cannot be read or decoded.
type ReadError struct {
	Path  string
	Cause error
}

// Error implements the error interface.
func (e ReadError) Error() string {
	return fmt.Sprintf("failed to read config %s: %s", e.Path, e.Cause)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e ReadError) Unwrap() error {
	return e.Cause
}

// ValidationError occurs when a configuration value is out of range.
type ValidationError struct {
	Key   string
	Cause error
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid config value for %s: %s", e.Key, e.Cause)
}

// Unwrap implements the implicit interface used by errors.Is and errors.As.
func (e ValidationError) Unwrap() error {
	return e.Cause
}

// Load reads and validates the configuration described by src.
func Load(src Source) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := src.File
	if path == "" {
		path = DefaultFile
	}
	err := readFile(v, path, src.Required)
	if err != nil {
		return nil, err
	}

	if src.Flags != nil {
		for name, key := range flagKeys {
			f := src.Flags.Lookup(name)
			if f == nil {
				continue
			}
			err := v.BindPFlag(key, f)
			if err != nil {
				return nil, err
			}
		}
	}

	return decode(v, path)
}

func readFile(v *viper.Viper, path string, required bool) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) && !required {
		return nil
	}
	if err != nil {
		return ReadError{Path: path, Cause: err}
	}
	defer f.Close()

	err = v.ReadConfig(f)
	if err != nil {
		return ReadError{Path: path, Cause: err}
	}
	return nil
}

// Parse reads configuration from r alone, on top of the defaults.
func Parse(r io.Reader) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	err := v.ReadConfig(r)
	if err != nil {
		return nil, ReadError{Path: "-", Cause: err}
	}
	return decode(v, "-")
}

func decode(v *viper.Viper, path string) (*Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, ReadError{Path: path, Cause: err}
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

var (
	errPortRange      = errors.New("must be between 1 and 65535")
	errNegative       = errors.New("must not be negative")
	errRelativePrefix = errors.New("must start with '/'")
	errDuplicate      = errors.New("duplicate prefix")
	errRouteKind      = errors.New("exactly one of root or executable must be set")
	errEnvEntry       = errors.New("entries must look like KEY=value")
	errHeaderEntry    = errors.New("entries must look like 'Key: value'")
	errTripCount      = errors.New("must be at least 1")
)

// Validate checks every value Load cannot check while decoding.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return ValidationError{Key: "port", Cause: errPortRange}
	}
	durations := map[string]time.Duration{
		"cgi_timeout":   c.CGITimeout,
		"read_timeout":  c.ReadTimeout,
		"write_timeout": c.WriteTimeout,
	}
	for key, d := range durations {
		if d < 0 {
			return ValidationError{Key: key, Cause: errNegative}
		}
	}
	sizes := map[string]int64{
		"max_connections":  c.MaxConnections,
		"max_header_bytes": int64(c.MaxHeaderBytes),
		"max_body_bytes":   c.MaxBodyBytes,
		"max_output_bytes": c.MaxOutputBytes,
	}
	for key, n := range sizes {
		if n < 0 {
			return ValidationError{Key: key, Cause: errNegative}
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return ValidationError{Key: "log.format", Cause: fmt.Errorf("unknown format: %q", c.Log.Format)}
	}
	switch strings.ToLower(c.Trace.Exporter) {
	case "", "none", "stdout":
	default:
		return ValidationError{Key: "trace.exporter", Cause: fmt.Errorf("unknown exporter: %q", c.Trace.Exporter)}
	}

	seen := make(map[string]struct{}, len(c.Routes))
	for i, r := range c.Routes {
		key := fmt.Sprintf("routes[%d]", i)
		if !strings.HasPrefix(r.Prefix, "/") {
			return ValidationError{Key: key + ".prefix", Cause: errRelativePrefix}
		}
		if _, ok := seen[r.Prefix]; ok {
			return ValidationError{Key: key + ".prefix", Cause: errDuplicate}
		}
		seen[r.Prefix] = struct{}{}

		if (r.Root == "") == (r.Executable == "") {
			return ValidationError{Key: key, Cause: errRouteKind}
		}
		if r.Timeout < 0 {
			return ValidationError{Key: key + ".timeout", Cause: errNegative}
		}
		for _, kv := range r.Env {
			if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
				return ValidationError{Key: key + ".env", Cause: errEnvEntry}
			}
		}
		for _, h := range r.Header {
			if _, _, ok := httpmsg.ParseHeaderLine(h); !ok {
				return ValidationError{Key: key + ".header", Cause: errHeaderEntry}
			}
		}
		if b := r.Breaker; b != nil {
			if b.TripCount == 0 {
				return ValidationError{Key: key + ".breaker.trip_count", Cause: errTripCount}
			}
			if b.Timeout < 0 {
				return ValidationError{Key: key + ".breaker.timeout", Cause: errNegative}
			}
			if b.Interval < 0 {
				return ValidationError{Key: key + ".breaker.interval", Cause: errNegative}
			}
		}
	}
	return nil
}
