// Package config loads the restlet server configuration from a YAML file,
// RESTLET_* environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/edgeflare/restlet/pkg/restlet"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Version is set at build time with -ldflags "-X .../pkg/config.Version=...".
var Version = "dev"

const EnvPrefix = "RESTLET"

// Config holds application-wide configuration
type Config struct {
	Server    ServerConfig          `mapstructure:"server"`
	Postgres  PostgresConfig        `mapstructure:"postgres"`
	Metrics   MetricsConfig         `mapstructure:"metrics"`
	Log       LogConfig             `mapstructure:"log"`
	OpenAPI   restlet.OpenAPIInfo   `mapstructure:"openapi"`
	CountTTL  time.Duration         `mapstructure:"countTTL"`
	Resources []restlet.Declaration `mapstructure:"resources"`
	// Redirects maps an old URL prefix to the prefix it moved to.
	Redirects map[string]string `mapstructure:"redirects"`
}

type ServerConfig struct {
	ListenAddr string `mapstructure:"listenAddr"`
	BaseURL    string `mapstructure:"baseURL"`
	CORS       bool   `mapstructure:"cors"`
	// BasicAuth maps usernames to plain or bcrypt-hashed passwords. Empty
	// disables authentication.
	BasicAuth map[string]string `mapstructure:"basicAuth"`
	TLS       TLSConfig         `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
}

type PostgresConfig struct {
	ConnString     string        `mapstructure:"connString"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	// Tables exposed with the default policy in addition to Resources.
	Tables []string `mapstructure:"tables"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	// Requests enables one log entry per HTTP response.
	Requests bool `mapstructure:"requests"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listenAddr", ":8080")
	v.SetDefault("server.baseURL", "")
	v.SetDefault("server.cors", true)
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.certFile", "")
	v.SetDefault("server.tls.keyFile", "")
	v.SetDefault("postgres.connString", "")
	v.SetDefault("postgres.connectTimeout", 30*time.Second)
	v.SetDefault("postgres.tables", []string{})
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.requests", true)
	v.SetDefault("openapi.title", "restlet")
	v.SetDefault("openapi.version", "1.0.0")
	v.SetDefault("countTTL", 5*time.Second)
}

// New returns a viper instance with defaults and RESTLET_* environment
// bindings, e.g. RESTLET_POSTGRES_CONNSTRING for postgres.connString.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads config from file or environment. Without cfgFile, restlet.yaml
// is looked up in $HOME/.config and the working directory; a missing file is
// not an error.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("restlet")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DecodeResources decodes resource declarations from generic maps, as found
// in a YAML or JSON document. Method lists may be given as comma separated
// strings.
func DecodeResources(input any) ([]restlet.Declaration, error) {
	var out []restlet.Declaration
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       decodeHook(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &out,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(input); err != nil {
		return nil, fmt.Errorf("decode resources: %w", err)
	}
	return out, nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, r := range c.Resources {
		if r.Table == "" {
			errs = append(errs, fmt.Errorf("resources[%d]: table is required", i))
			continue
		}
		path := r.Path
		if path == "" {
			path = "/" + r.Table[strings.LastIndex(r.Table, ".")+1:]
		}
		if seen[path] {
			errs = append(errs, fmt.Errorf("resources[%d]: duplicate path %s", i, path))
		}
		seen[path] = true
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls: certFile and keyFile must be set together"))
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// Logger builds the process logger.
func (c LogConfig) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
