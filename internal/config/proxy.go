package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ProxyConfig holds the tunables of the metered streaming proxy.
type ProxyConfig struct {
	// DefaultOutputTokens is the assumed completion size used by the
	// pre-flight affordability estimate when the request carries no
	// max_tokens.
	DefaultOutputTokens int `mapstructure:"defaultOutputTokens"`
	// EstimatorDivisor is the characters-per-token heuristic used when a
	// provider omits usage metadata.
	EstimatorDivisor float64 `mapstructure:"estimatorDivisor"`
	// MessageOverheadTokens is added per message to account for role and
	// formatting tokens.
	MessageOverheadTokens int `mapstructure:"messageOverheadTokens"`
	// ImageTokens approximates the vision-model cost of one image
	// attachment.
	ImageTokens int `mapstructure:"imageTokens"`
	// UpstreamErrorMaxLen bounds provider error text stored in usage logs.
	UpstreamErrorMaxLen int `mapstructure:"upstreamErrorMaxLen"`
}

func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		DefaultOutputTokens:   500,
		EstimatorDivisor:      3.5,
		MessageOverheadTokens: 4,
		ImageTokens:           85,
		UpstreamErrorMaxLen:   500,
	}
}

// ProxyConfigHolder serves the current ProxyConfig and hot-reloads it
// when the config file changes on disk.
type ProxyConfigHolder struct {
	current atomic.Value // holds ProxyConfig
}

func NewProxyConfigHolder() (*ProxyConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("proxy")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/creditgate")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CREDITGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultProxyConfig()
	v.SetDefault("proxy.defaultOutputTokens", defaults.DefaultOutputTokens)
	v.SetDefault("proxy.estimatorDivisor", defaults.EstimatorDivisor)
	v.SetDefault("proxy.messageOverheadTokens", defaults.MessageOverheadTokens)
	v.SetDefault("proxy.imageTokens", defaults.ImageTokens)
	v.SetDefault("proxy.upstreamErrorMaxLen", defaults.UpstreamErrorMaxLen)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg ProxyConfig
	if err := v.UnmarshalKey("proxy", &cfg); err != nil {
		return nil, err
	}
	if err := validateProxyConfig(cfg); err != nil {
		return nil, err
	}

	holder := &ProxyConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated ProxyConfig
		if err := v.UnmarshalKey("proxy", &updated); err != nil {
			log.Printf("[proxy-config] reload failed: %v", err)
			return
		}
		if err := validateProxyConfig(updated); err != nil {
			log.Printf("[proxy-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[proxy-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticProxyConfigHolder wraps a fixed config without file
// watching. Useful for tests and tools.
func NewStaticProxyConfigHolder(cfg ProxyConfig) *ProxyConfigHolder {
	holder := &ProxyConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *ProxyConfigHolder) Get() ProxyConfig {
	return h.current.Load().(ProxyConfig)
}

func validateProxyConfig(cfg ProxyConfig) error {
	if cfg.DefaultOutputTokens <= 0 {
		return errors.New("proxy.defaultOutputTokens must be positive")
	}
	if cfg.EstimatorDivisor <= 0 {
		return errors.New("proxy.estimatorDivisor must be positive")
	}
	if cfg.UpstreamErrorMaxLen <= 0 {
		return errors.New("proxy.upstreamErrorMaxLen must be positive")
	}
	return nil
}
