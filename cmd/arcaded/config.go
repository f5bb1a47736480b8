package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/vctt94/bisonbotkit/config"
)

// ArcadedConfig combines the base bot config with the arcade node settings
// kept under ExtraConfig in the .conf file.
type ArcadedConfig struct {
	*config.BotConfig

	Namespace string
	RouterURL string
	Loopback  bool

	GridWidth    int
	GridHeight   int
	TickInterval time.Duration
	ProposalTTL  time.Duration
	SilenceTTL   time.Duration

	// Bot players this node auto-registers on startup.
	BotNames []string

	DebugLevel string
}

func loadArcadedConfig(dataDir, configFile string) (*ArcadedConfig, error) {
	baseConfig, err := config.LoadBotConfig(dataDir, configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load base config: %w", err)
	}

	cfg := &ArcadedConfig{
		BotConfig:    baseConfig,
		Namespace:    "arcade",
		GridWidth:    24,
		GridHeight:   18,
		TickInterval: 125 * time.Millisecond,
		ProposalTTL:  10 * time.Second,
		SilenceTTL:   5 * time.Second,
		DebugLevel:   "info",
	}

	extra := baseConfig.ExtraConfig
	if v := extra["namespace"]; v != "" {
		cfg.Namespace = v
	}
	cfg.RouterURL = extra["routerurl"]
	if v := extra["loopback"]; v != "" {
		cfg.Loopback, err = strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid loopback value %q: %w", v, err)
		}
	}
	if v := extra["debuglevel"]; v != "" {
		cfg.DebugLevel = v
	}

	intKeys := []struct {
		key string
		dst *int
	}{
		{"gridwidth", &cfg.GridWidth},
		{"gridheight", &cfg.GridHeight},
	}
	for _, k := range intKeys {
		if v := extra[k.key]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s value %q: %w", k.key, v, err)
			}
			*k.dst = n
		}
	}

	durKeys := []struct {
		key string
		dst *time.Duration
	}{
		{"tickinterval", &cfg.TickInterval},
		{"proposalttl", &cfg.ProposalTTL},
		{"silencettl", &cfg.SilenceTTL},
	}
	for _, k := range durKeys {
		if v := extra[k.key]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s value %q: %w", k.key, v, err)
			}
			*k.dst = d
		}
	}

	return cfg, nil
}
