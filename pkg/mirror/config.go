package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/crmmirror/crmmirror/pkg/ratelimit"
	"github.com/crmmirror/crmmirror/pkg/session"
)

// Config is the static service configuration. Rate limits are read
// through the live viper instance instead so edits to the config file
// take effect at the next window rollover without a restart.
type Config struct {
	LogLevel string `mapstructure:"logLevel"`
	LogPath  string `mapstructure:"logPath"`

	AuthURL     string `mapstructure:"authUrl"`
	EndpointKey string `mapstructure:"endpointKey"`
	Topic       string `mapstructure:"topic"`

	Codec string `mapstructure:"codec"`

	DatabaseDSN string `mapstructure:"databaseDsn"`
	AdminAddr   string `mapstructure:"adminAddr"`

	ReceiveTimeout      time.Duration `mapstructure:"receiveTimeout"`
	RetryDelay          time.Duration `mapstructure:"retryDelay"`
	SessionSafetyBuffer time.Duration `mapstructure:"sessionSafetyBuffer"`

	Endpoints map[string]EndpointConfig `mapstructure:"endpoints"`
}

// EndpointConfig carries the credentials for one endpoint key.
type EndpointConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Credentials converts the endpoint section for the login service.
func (c *Config) Credentials() map[string]session.Credentials {
	creds := make(map[string]session.Credentials, len(c.Endpoints))
	for key, ep := range c.Endpoints {
		creds[key] = session.Credentials{Username: ep.Username, Password: ep.Password}
	}
	return creds
}

// LoadConfig reads the configuration file and environment. The
// returned viper instance watches the file for changes and backs the
// hot-reloadable rate limit provider.
func LoadConfig(path string) (*Config, *viper.Viper, error) {
	v := viper.New()

	v.SetDefault("logLevel", "info")
	v.SetDefault("topic", "/data/ChangeEvents")
	v.SetDefault("codec", "json")
	v.SetDefault("adminAddr", ":8080")
	v.SetDefault("receiveTimeout", "60s")
	v.SetDefault("retryDelay", "30s")
	v.SetDefault("sessionSafetyBuffer", "5m")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("crmmirror")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/crmmirror")
	}

	v.SetEnvPrefix("CRMMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("reading config: %w", err)
		}
	}
	v.WatchConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if cfg.EndpointKey == "" {
		return nil, nil, fmt.Errorf("endpointKey is required")
	}
	if cfg.AuthURL == "" {
		return nil, nil, fmt.Errorf("authUrl is required")
	}

	return &cfg, v, nil
}

// RateLimitProvider reads quota configuration from the watched viper
// instance. Keys live under ratelimit.<category>.
func RateLimitProvider(v *viper.Viper) ratelimit.ConfigProvider {
	return ratelimit.ConfigProviderFunc(func(_ context.Context, category string) (ratelimit.Config, error) {
		prefix := "ratelimit." + category + "."
		if !v.IsSet(prefix + "maxPerDay") {
			return ratelimit.Config{}, nil
		}
		return ratelimit.Config{
			MaxPerDay:         v.GetInt64(prefix + "maxPerDay"),
			MaxPerSecond:      v.GetInt64(prefix + "maxPerSecond"),
			AlertThreshold:    v.GetFloat64(prefix + "alertThreshold"),
			CriticalThreshold: v.GetFloat64(prefix + "criticalThreshold"),
		}, nil
	})
}
