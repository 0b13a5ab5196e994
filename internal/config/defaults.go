package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:               "~/.discordgate",
			LogLevel:              "info",
			LogFormat:             "text",
			MaxConcurrentMessages: 8,
		},
		Discord: DiscordConfig{
			DM: DMConfig{
				Policy: "pairing",
			},
			GroupPolicy:    "open",
			ReplyToMode:    "off",
			MediaMaxMB:     25,
			StartupGraceMs: 10000,
			TextChunkLimit: 2000,
		},
		Pairing: PairingConfig{
			PendingTTLMinutes: 60,
			MaxPending:        3,
			CleanupSchedule:   "@every 1m",
		},
		Agent: AgentConfig{
			TimeoutSeconds: 120,
			Concurrency:    3,
			MaxRetries:     2,
			RatePerMinute:  30,
			RateBurst:      5,
		},
		Routing: RoutingConfig{
			DefaultAgent: "main",
		},
		Status: StatusConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8787,
		},
	}
}
