package risk

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"sable/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Profile 把一组风控参数命名化：参数扫描是配置差异而不是代码差异。
type Profile struct {
	Name                  string  `mapstructure:"name" yaml:"name"`
	Description           string  `mapstructure:"description" yaml:"description"`
	Risk                  Config  `mapstructure:"risk" yaml:"risk"`
	TrailingEnabled       bool    `mapstructure:"trailing_enabled" yaml:"trailing_enabled"`
	TrailingActivationPct float64 `mapstructure:"trailing_activation_pct" yaml:"trailing_activation_pct"`
	TrailingDistancePct   float64 `mapstructure:"trailing_distance_pct" yaml:"trailing_distance_pct"`
	MaxHoldingBars        int     `mapstructure:"max_holding_bars" yaml:"max_holding_bars"`
}

// ProfileSnapshot 是某一时刻加载的全部 profile。
type ProfileSnapshot struct {
	Version  int64
	LoadedAt time.Time
	Profiles map[string]Profile
}

// Names 返回排序后的 profile 名。
func (s ProfileSnapshot) Names() []string {
	names := make([]string, 0, len(s.Profiles))
	for name := range s.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProfileListener 在 registry 重载后触发。
type ProfileListener func(ProfileSnapshot)

// ProfileRegistry 从 YAML 文件加载风控 profile 并监听变更热更新。
type ProfileRegistry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  ProfileSnapshot
	listeners []ProfileListener
}

// NewProfileRegistry 读取 profile 文件并开启文件监听。
func NewProfileRegistry(path string) (*ProfileRegistry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("risk profile registry requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read risk profile file failed: %w", err)
	}
	r := &ProfileRegistry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("risk profile reload failed: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// Snapshot 返回当前 profile 集合的拷贝。
func (r *ProfileRegistry) Snapshot() ProfileSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneProfileSnapshot(r.snapshot)
}

// Profile 返回指定名称的 profile。
func (r *ProfileRegistry) Profile(name string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.snapshot.Profiles[strings.TrimSpace(name)]
	return p, ok
}

// OnChange 注册重载回调。
func (r *ProfileRegistry) OnChange(fn ProfileListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *ProfileRegistry) reload() error {
	if err := r.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read risk profile file failed: %w", err)
	}
	raw := r.v.Get("profiles")
	if raw == nil {
		return fmt.Errorf("risk profile file %s missing profiles section", filepath.Base(r.path))
	}
	var parsed map[string]Profile
	if err := mapstructure.WeakDecode(raw, &parsed); err != nil {
		return fmt.Errorf("decode risk profiles failed: %w", err)
	}
	profiles := make(map[string]Profile, len(parsed))
	for name, p := range parsed {
		name = strings.TrimSpace(name)
		if p.Name == "" {
			p.Name = name
		}
		p.Risk = p.Risk.WithDefaults()
		if err := validateProfile(p); err != nil {
			return fmt.Errorf("risk profile %s invalid: %w", name, err)
		}
		profiles[name] = p
	}
	r.mu.Lock()
	r.snapshot = ProfileSnapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Profiles: profiles,
	}
	r.mu.Unlock()
	logger.Infof("risk profile registry loaded %d profiles from %s", len(profiles), filepath.Base(r.path))
	return nil
}

func (r *ProfileRegistry) notifyListeners() {
	r.mu.RLock()
	snap := cloneProfileSnapshot(r.snapshot)
	listeners := append([]ProfileListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

func validateProfile(p Profile) error {
	if p.Risk.RiskPerTrade <= 0 || p.Risk.RiskPerTrade >= 1 {
		return fmt.Errorf("risk_per_trade %v outside (0,1)", p.Risk.RiskPerTrade)
	}
	if p.Risk.MaxPortfolioHeat < p.Risk.RiskPerTrade {
		return fmt.Errorf("max_portfolio_heat %v below risk_per_trade %v",
			p.Risk.MaxPortfolioHeat, p.Risk.RiskPerTrade)
	}
	if p.TrailingEnabled {
		if p.TrailingActivationPct <= 0 || p.TrailingDistancePct <= 0 {
			return fmt.Errorf("trailing enabled but activation/distance not positive")
		}
	}
	if p.MaxHoldingBars < 0 {
		return fmt.Errorf("max_holding_bars %d negative", p.MaxHoldingBars)
	}
	return nil
}

func cloneProfileSnapshot(src ProfileSnapshot) ProfileSnapshot {
	dst := ProfileSnapshot{
		Version:  src.Version,
		LoadedAt: src.LoadedAt,
		Profiles: make(map[string]Profile, len(src.Profiles)),
	}
	for name, p := range src.Profiles {
		dst.Profiles[name] = p
	}
	return dst
}
