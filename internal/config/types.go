package config

import "strings"

// Config 是 Sable 的主配置载体。
type Config struct {
	App      AppConfig      `toml:"app"`
	Market   MarketConfig   `toml:"market"`
	Risk     RiskConfig     `toml:"risk"`
	Signal   SignalConfig   `toml:"signal"`
	Backtest BacktestConfig `toml:"backtest"`
	Engine   EngineConfig   `toml:"engine"`
	Notify   NotifyConfig   `toml:"notify"`
	Report   ReportConfig   `toml:"report"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
}

type MarketConfig struct {
	ActiveSource string         `toml:"active_source"`
	Sources      []MarketSource `toml:"sources"`
}

type MarketSource struct {
	Name           string      `toml:"name"`
	Enabled        bool        `toml:"enabled"`
	RESTBaseURL    string      `toml:"rest_base_url"`
	TimeoutSeconds int         `toml:"timeout_seconds"`
	Proxy          ProxyConfig `toml:"proxy"`
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.RESTURL = strings.TrimSpace(p.RESTURL)
}

func (m MarketConfig) ResolveActiveSource() MarketSource {
	if len(m.Sources) == 0 {
		return MarketSource{
			Name:        "binance",
			Enabled:     true,
			RESTBaseURL: "https://fapi.binance.com",
		}
	}
	active := strings.ToLower(strings.TrimSpace(m.ActiveSource))
	var fallback MarketSource
	for _, src := range m.Sources {
		if fallback.Name == "" {
			fallback = src
		}
		if !src.Enabled {
			continue
		}
		if active == "" || strings.ToLower(src.Name) == active {
			return src
		}
	}
	return fallback
}

// RiskConfig 指向风控档位文件与默认启用的档位。
type RiskConfig struct {
	ProfilesPath  string `toml:"profiles_path"`
	ActiveProfile string `toml:"active_profile"`
}

// SignalConfig 选择信号源及其参数。
type SignalConfig struct {
	Source     string         `toml:"source"` // "momentum" | "replay"
	ReplayPath string         `toml:"replay_path"`
	Momentum   MomentumParams `toml:"momentum"`
}

type MomentumParams struct {
	EMAFast       int     `toml:"ema_fast"`
	EMASlow       int     `toml:"ema_slow"`
	RSIPeriod     int     `toml:"rsi_period"`
	RSIOverbought float64 `toml:"rsi_overbought"`
	RSIOversold   float64 `toml:"rsi_oversold"`
	ATRPeriod     int     `toml:"atr_period"`
	ATRStopMult   float64 `toml:"atr_stop_mult"`
}

// BacktestConfig 控制回测 HTTP 服务与数据缓存。
type BacktestConfig struct {
	Enabled         bool    `toml:"enabled"`
	HTTPAddr        string  `toml:"http_addr"`
	DataDir         string  `toml:"data_dir"`
	ResultsDir      string  `toml:"results_dir"`
	DefaultBalance  float64 `toml:"default_balance"`
	MaxConcurrent   int     `toml:"max_concurrent"`
	FetchRatePerMin int     `toml:"fetch_rate_per_min"`
	FetchConcurrent int     `toml:"fetch_concurrent"`
}

// EngineConfig 控制实盘/纸面循环。
type EngineConfig struct {
	Enabled        bool    `toml:"enabled"`
	Symbol         string  `toml:"symbol"`
	Interval       string  `toml:"interval"`
	Lookback       int     `toml:"lookback"`
	PollSeconds    int     `toml:"poll_seconds"`
	InitialBalance float64 `toml:"initial_balance"`
	SlippageBps    float64 `toml:"slippage_bps"`
	StateDBPath    string  `toml:"state_db_path"`
	LockPath       string  `toml:"lock_path"`
	PortfolioName  string  `toml:"portfolio_name"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

type ReportConfig struct {
	OutputDir string `toml:"output_dir"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
