package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			AssistantName: "Nano",
			StoreDir:      "~/.nanoclaw/store",
			LogLevel:      "info",
			LogFormat:     "text",
		},
		Slack: SlackConfig{
			Enabled:                  true,
			ConnectTimeoutSeconds:    30,
			UserLookupTimeoutSeconds: 3,
			SendRatePerSecond:        1,
			WatchConfig:              true,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Addr:     "127.0.0.1:9464",
			Endpoint: "/metrics",
		},
	}
}
