package config

import (
	"fmt"
	"strings"
)

// 默认值常量
const (
	defaultAppEnv          = "dev"
	defaultAppLogLevel     = "info"
	defaultAppLogPath      = "data/logs/sable.log"
	defaultMarketName      = "binance"
	defaultMarketREST      = "https://fapi.binance.com"
	defaultProfilesPath    = "configs/profiles.yaml"
	defaultActiveProfile   = "balanced"
	defaultSignalSource    = "momentum"
	defaultBacktestAddr    = ":8199"
	defaultBacktestData    = "data/candles"
	defaultBacktestResults = "data/results"
	defaultBacktestBalance = 10000
	defaultBacktestMaxRuns = 2
	defaultFetchRatePerMin = 480
	defaultFetchConcurrent = 2
	defaultEngineInterval  = "1h"
	defaultEngineLookback  = 200
	defaultEnginePoll      = 60
	defaultEngineBalance   = 10000
	defaultEngineStateDB   = "data/state/portfolio.db"
	defaultEngineLockPath  = "data/state/portfolio.lock"
	defaultPortfolioName   = "default"
	defaultReportDir       = "data/reports"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Signal.applyDefaults(keys)
	c.Backtest.applyDefaults(keys)
	c.Engine.applyDefaults(keys)
	c.Report.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	if len(m.Sources) == 0 {
		m.Sources = []MarketSource{{
			Name:        defaultMarketName,
			Enabled:     true,
			RESTBaseURL: defaultMarketREST,
		}}
	}
	for i := range m.Sources {
		src := &m.Sources[i]
		src.Proxy.normalize()
		if strings.TrimSpace(src.Name) == "" {
			if i == 0 {
				src.Name = defaultMarketName
			} else {
				src.Name = fmt.Sprintf("market_%d", i)
			}
		}
		if src.RESTBaseURL == "" {
			src.RESTBaseURL = defaultMarketREST
		}
		if src.TimeoutSeconds <= 0 {
			src.TimeoutSeconds = 15
		}
	}
	if strings.TrimSpace(m.ActiveSource) == "" {
		m.ActiveSource = firstEnabledMarket(m.Sources)
	}
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("risk.profiles_path", &r.ProfilesPath, defaultProfilesPath),
		stringFieldDefault("risk.active_profile", &r.ActiveProfile, defaultActiveProfile),
	)
}

func (s *SignalConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("signal.source", &s.Source, defaultSignalSource),
	)
	s.Source = strings.ToLower(strings.TrimSpace(s.Source))
}

func (b *BacktestConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("backtest.enabled", &b.Enabled, true),
		stringFieldDefault("backtest.http_addr", &b.HTTPAddr, defaultBacktestAddr),
		stringFieldDefault("backtest.data_dir", &b.DataDir, defaultBacktestData),
		stringFieldDefault("backtest.results_dir", &b.ResultsDir, defaultBacktestResults),
		fieldDefault{
			key:   "backtest.default_balance",
			need:  func() bool { return b.DefaultBalance <= 0 },
			apply: func() { b.DefaultBalance = defaultBacktestBalance },
		},
		fieldDefault{
			key:   "backtest.max_concurrent",
			need:  func() bool { return b.MaxConcurrent <= 0 },
			apply: func() { b.MaxConcurrent = defaultBacktestMaxRuns },
		},
		fieldDefault{
			key:   "backtest.fetch_rate_per_min",
			need:  func() bool { return b.FetchRatePerMin <= 0 },
			apply: func() { b.FetchRatePerMin = defaultFetchRatePerMin },
		},
		fieldDefault{
			key:   "backtest.fetch_concurrent",
			need:  func() bool { return b.FetchConcurrent <= 0 },
			apply: func() { b.FetchConcurrent = defaultFetchConcurrent },
		},
	)
}

func (e *EngineConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("engine.interval", &e.Interval, defaultEngineInterval),
		stringFieldDefault("engine.state_db_path", &e.StateDBPath, defaultEngineStateDB),
		stringFieldDefault("engine.lock_path", &e.LockPath, defaultEngineLockPath),
		stringFieldDefault("engine.portfolio_name", &e.PortfolioName, defaultPortfolioName),
		fieldDefault{
			key:   "engine.lookback",
			need:  func() bool { return e.Lookback <= 0 },
			apply: func() { e.Lookback = defaultEngineLookback },
		},
		fieldDefault{
			key:   "engine.poll_seconds",
			need:  func() bool { return e.PollSeconds <= 0 },
			apply: func() { e.PollSeconds = defaultEnginePoll },
		},
		fieldDefault{
			key:   "engine.initial_balance",
			need:  func() bool { return e.InitialBalance <= 0 },
			apply: func() { e.InitialBalance = defaultEngineBalance },
		},
	)
	if e.SlippageBps < 0 {
		e.SlippageBps = 0
	}
}

func (r *ReportConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("report.output_dir", &r.OutputDir, defaultReportDir),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func firstEnabledMarket(sources []MarketSource) string {
	for _, src := range sources {
		name := strings.TrimSpace(src.Name)
		if src.Enabled && name != "" {
			return name
		}
	}
	if len(sources) > 0 {
		if name := strings.TrimSpace(sources[0].Name); name != "" {
			return name
		}
	}
	return defaultMarketName
}
