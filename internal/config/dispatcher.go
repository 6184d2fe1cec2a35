package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// DispatcherConfig tunes the outbound webhook delivery loop. It lives in a
// mounted yml file so operators can adjust throughput without a redeploy.
type DispatcherConfig struct {
	PollIntervalSeconds int `mapstructure:"pollIntervalSeconds"`
	BatchSize           int `mapstructure:"batchSize"`
	Workers             int `mapstructure:"workers"`
	LeaseSeconds        int `mapstructure:"leaseSeconds"`
	SweepSeconds        int `mapstructure:"sweepSeconds"`
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollIntervalSeconds: 5,
		BatchSize:           50,
		Workers:             8,
		LeaseSeconds:        60,
		SweepSeconds:        30,
	}
}

type DispatcherConfigHolder struct {
	current atomic.Value // holds DispatcherConfig
}

func NewDispatcherConfigHolder() (*DispatcherConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("dispatcher")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/clinicore/config") // Volume-mounted config
	v.AddConfigPath("/etc/clinicore")            // System config
	v.AddConfigPath(".")                         // Current directory (dev mode)

	v.SetEnvPrefix("CLINICORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultDispatcherConfig()
		v.SetDefault("dispatcher.pollIntervalSeconds", defaults.PollIntervalSeconds)
		v.SetDefault("dispatcher.batchSize", defaults.BatchSize)
		v.SetDefault("dispatcher.workers", defaults.Workers)
		v.SetDefault("dispatcher.leaseSeconds", defaults.LeaseSeconds)
		v.SetDefault("dispatcher.sweepSeconds", defaults.SweepSeconds)
	}

	var cfg DispatcherConfig
	if err := v.UnmarshalKey("dispatcher", &cfg); err != nil {
		return nil, err
	}
	if err := validateDispatcherConfig(cfg); err != nil {
		return nil, err
	}

	holder := &DispatcherConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated DispatcherConfig
		if err := v.UnmarshalKey("dispatcher", &updated); err != nil {
			log.Printf("[dispatcher-config] reload failed: %v", err)
			return
		}
		if err := validateDispatcherConfig(updated); err != nil {
			log.Printf("[dispatcher-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[dispatcher-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *DispatcherConfigHolder) Get() DispatcherConfig {
	return h.current.Load().(DispatcherConfig)
}

func validateDispatcherConfig(cfg DispatcherConfig) error {
	if cfg.PollIntervalSeconds <= 0 {
		return errors.New("dispatcher.pollIntervalSeconds must be positive")
	}
	if cfg.BatchSize <= 0 {
		return errors.New("dispatcher.batchSize must be positive")
	}
	if cfg.Workers <= 0 {
		return errors.New("dispatcher.workers must be positive")
	}
	if cfg.LeaseSeconds <= 0 {
		return errors.New("dispatcher.leaseSeconds must be positive")
	}
	if cfg.SweepSeconds <= 0 {
		return errors.New("dispatcher.sweepSeconds must be positive")
	}
	return nil
}
