package risk

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type profileFile struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// LoadProfilesFile 一次性读取 profile 文件，不开启监听。
// 回测扫描用这条路径：参数集在 run 启动时固定，不跟随热更新。
func LoadProfilesFile(path string) (map[string]Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read risk profile file failed: %w", err)
	}
	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse risk profile file failed: %w", err)
	}
	if len(file.Profiles) == 0 {
		return nil, fmt.Errorf("risk profile file %s has no profiles", path)
	}
	out := make(map[string]Profile, len(file.Profiles))
	for name, p := range file.Profiles {
		if p.Name == "" {
			p.Name = name
		}
		p.Risk = p.Risk.WithDefaults()
		if err := validateProfile(p); err != nil {
			return nil, fmt.Errorf("risk profile %s invalid: %w", name, err)
		}
		out[name] = p
	}
	return out, nil
}
