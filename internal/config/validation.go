package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Signal.validate(); err != nil {
		return err
	}
	if err := c.Backtest.validate(); err != nil {
		return err
	}
	if err := c.Engine.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if len(m.Sources) == 0 {
		return fmt.Errorf("market.sources requires at least one source")
	}
	activeName := strings.ToLower(strings.TrimSpace(m.ActiveSource))
	enabled := 0
	activeFound := false
	for _, src := range m.Sources {
		if !src.Enabled {
			continue
		}
		enabled++
		if strings.TrimSpace(src.RESTBaseURL) == "" {
			return fmt.Errorf("market source %s missing rest_base_url", src.Name)
		}
		if src.Proxy.Enabled && src.Proxy.RESTURL == "" {
			return fmt.Errorf("market source %s has proxy enabled but no rest_url", src.Name)
		}
		name := strings.ToLower(strings.TrimSpace(src.Name))
		if activeName == "" || name == activeName {
			activeFound = true
		}
	}
	if enabled == 0 {
		return fmt.Errorf("market.sources requires at least one enabled source")
	}
	if !activeFound {
		return fmt.Errorf("enabled market.active_source=%s not found", m.ActiveSource)
	}
	return nil
}

func (s *SignalConfig) validate() error {
	switch s.Source {
	case "momentum":
	case "replay":
		if strings.TrimSpace(s.ReplayPath) == "" {
			return fmt.Errorf("signal.source=replay requires signal.replay_path")
		}
	default:
		return fmt.Errorf("signal.source only supports momentum/replay, got %s", s.Source)
	}
	if s.Momentum.EMAFast > 0 && s.Momentum.EMASlow > 0 && s.Momentum.EMASlow <= s.Momentum.EMAFast {
		return fmt.Errorf("signal.momentum.ema_slow must exceed ema_fast")
	}
	return nil
}

func (b *BacktestConfig) validate() error {
	if !b.Enabled {
		return nil
	}
	if strings.TrimSpace(b.DataDir) == "" {
		return fmt.Errorf("backtest.data_dir cannot be empty")
	}
	if strings.TrimSpace(b.ResultsDir) == "" {
		return fmt.Errorf("backtest.results_dir cannot be empty")
	}
	return nil
}

func (e *EngineConfig) validate() error {
	if !e.Enabled {
		return nil
	}
	if strings.TrimSpace(e.Symbol) == "" {
		return fmt.Errorf("engine.symbol cannot be empty when engine enabled")
	}
	if !IsValidInterval(e.Interval) {
		return fmt.Errorf("engine.interval %s is not a valid interval", e.Interval)
	}
	if e.SlippageBps < 0 {
		return fmt.Errorf("engine.slippage_bps must be >= 0")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}

// IsValidInterval 简易校验：以数字开头，以 m/h/d/w 结尾
func IsValidInterval(s string) bool {
	if s == "" {
		return false
	}
	suf := s[len(s)-1]
	if suf != 'm' && suf != 'h' && suf != 'd' && suf != 'w' {
		return false
	}
	for i := 0; i < len(s)-1; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
