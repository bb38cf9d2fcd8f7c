package risk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const profilesYAML = `profiles:
  conservative:
    description: 低风险
    risk:
      risk_per_trade: 0.005
      max_portfolio_heat: 0.03
    trailing_enabled: true
    trailing_activation_pct: 0.02
    trailing_distance_pct: 0.01
  aggressive:
    risk:
      risk_per_trade: 0.02
      max_portfolio_heat: 0.10
    max_holding_bars: 48
`

func writeProfiles(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestProfileRegistry(t *testing.T) {
	t.Run("加载并补默认值", func(t *testing.T) {
		r, err := NewProfileRegistry(writeProfiles(t, profilesYAML))
		require.NoError(t, err)

		p, ok := r.Profile("conservative")
		require.True(t, ok)
		assert.Equal(t, "conservative", p.Name)
		assert.Equal(t, 0.005, p.Risk.RiskPerTrade)
		// 未写的字段落默认值
		assert.Equal(t, 0.10, p.Risk.AdverseMoveAssumption)
		assert.True(t, p.TrailingEnabled)

		snap := r.Snapshot()
		assert.Equal(t, []string{"aggressive", "conservative"}, snap.Names())
		assert.Equal(t, int64(1), snap.Version)
	})

	t.Run("未知名称", func(t *testing.T) {
		r, err := NewProfileRegistry(writeProfiles(t, profilesYAML))
		require.NoError(t, err)
		_, ok := r.Profile("nonexistent")
		assert.False(t, ok)
	})

	t.Run("缺profiles节报错", func(t *testing.T) {
		_, err := NewProfileRegistry(writeProfiles(t, "other: 1\n"))
		assert.Error(t, err)
	})

	t.Run("热度低于单笔预算报错", func(t *testing.T) {
		_, err := NewProfileRegistry(writeProfiles(t, `profiles:
  broken:
    risk:
      risk_per_trade: 0.05
      max_portfolio_heat: 0.01
`))
		assert.ErrorContains(t, err, "max_portfolio_heat")
	})

	t.Run("追踪参数缺失报错", func(t *testing.T) {
		_, err := NewProfileRegistry(writeProfiles(t, `profiles:
  broken:
    risk:
      risk_per_trade: 0.01
      max_portfolio_heat: 0.06
    trailing_enabled: true
`))
		assert.ErrorContains(t, err, "trailing")
	})

	t.Run("空路径报错", func(t *testing.T) {
		_, err := NewProfileRegistry("  ")
		assert.Error(t, err)
	})
}

func TestLoadProfilesFile(t *testing.T) {
	t.Run("一次性加载", func(t *testing.T) {
		profiles, err := LoadProfilesFile(writeProfiles(t, profilesYAML))
		require.NoError(t, err)
		require.Len(t, profiles, 2)
		assert.Equal(t, 48, profiles["aggressive"].MaxHoldingBars)
	})

	t.Run("空文件报错", func(t *testing.T) {
		_, err := LoadProfilesFile(writeProfiles(t, ""))
		assert.Error(t, err)
	})
}
