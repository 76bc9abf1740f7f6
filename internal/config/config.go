package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode string `mapstructure:"mode"`

	// Rendezvous server.
	Port        int           `mapstructure:"port"`
	ReadLimit   int64         `mapstructure:"read_limit"`
	PingPeriod  time.Duration `mapstructure:"ping_period"`
	MaxSessions int           `mapstructure:"max_sessions"`

	// Client.
	RendezvousURL string   `mapstructure:"rendezvous_url"`
	Room          string   `mapstructure:"room"`
	Alias         string   `mapstructure:"alias"`
	MaxCallers    int      `mapstructure:"max_callers"`
	HistoryPath   string   `mapstructure:"history_path"`
	ICEServers    []string `mapstructure:"ice_servers"`
	ToneHz        float64  `mapstructure:"tone_hz"`

	// Mesh timing.
	DetachDelay          time.Duration `mapstructure:"detach_delay"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	SignalExpiry         time.Duration `mapstructure:"signal_expiry"`
	StaleSignalCutoff    time.Duration `mapstructure:"stale_signal_cutoff"`
	IntroductionPoll     time.Duration `mapstructure:"introduction_poll"`
	IntroductionLookback time.Duration `mapstructure:"introduction_lookback"`
	JoinRequestTimeout   time.Duration `mapstructure:"join_request_timeout"`
	AccessAutoDeny       time.Duration `mapstructure:"access_auto_deny"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("max_sessions", 0)
	v.SetDefault("rendezvous_url", "ws://localhost:8080/api/ws/store")
	v.SetDefault("max_callers", 0)
	v.SetDefault("tone_hz", 440)
	v.SetDefault("detach_delay", "30s")
	v.SetDefault("heartbeat_interval", "30s")
	v.SetDefault("signal_expiry", "30s")
	v.SetDefault("stale_signal_cutoff", "60s")
	v.SetDefault("introduction_poll", "5s")
	v.SetDefault("introduction_lookback", "30s")
	v.SetDefault("join_request_timeout", "30s")
	v.SetDefault("access_auto_deny", "20s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Rendezvous: %s\n", cfg.Mode, cfg.Port, cfg.RendezvousURL)
	return &cfg, nil
}
