package config

// defaultConfig returns a Config usable out of the box: a single-rank
// loopback transport, text logging to stderr, telemetry and tracing
// disabled, and a location hop budget generous enough for small examples.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stderr",
		},
		Telemetry: TelemetryConfig{
			Enabled:    false,
			Endpoint:   "localhost:4317",
			Insecure:   true,
			SampleRate: 1.0,
			Profiling: ProfilingConfig{
				Enabled:      false,
				Endpoint:     "http://localhost:4040",
				ProfileTypes: []string{"cpu", "alloc_objects", "inuse_objects", "goroutines"},
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
		Transport: TransportConfig{
			Kind:  "loopback",
			Ranks: 1,
		},
		Location: LocationConfig{
			CacheHopLimit: 3,
			MaxHops:       8,
		},
		Stats: StatsConfig{
			Enabled:    false,
			OutputPath: "vt-stats.csv",
		},
		Trace: TraceConfig{
			Enabled:    false,
			OutputPath: "vt-trace.jsonl.gz",
		},
		LoadBalancer: LoadBalancerConfig{
			Strategy: "none",
		},
	}
}
