package registry

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig はレジストリ設定ファイルのYAML表現。
type fileConfig struct {
	// Tiers は組み込みティアの上書きまたは追加。
	Tiers map[TierID]tierConfig `yaml:"tiers"`
	// Services はサービス定義の一覧。
	Services []serviceConfig `yaml:"services"`
}

// tierConfig はティア1件のYAML表現。
type tierConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int64         `yaml:"max_requests"`
	Message     string        `yaml:"message"`
}

// serviceConfig はサービス1件のYAML表現。
type serviceConfig struct {
	Name         string   `yaml:"name"`
	Path         string   `yaml:"path"`
	URL          string   `yaml:"url"`
	Auth         bool     `yaml:"auth"`
	Tier         TierID   `yaml:"tier"`
	AllowedRoles []string `yaml:"allowed_roles"`
}

// Load はYAMLファイルからレジストリを構築する。
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("レジストリ設定ファイルの読み込みに失敗: %w", err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse はYAMLを読み取ってレジストリを構築する。
// ティアを省略したサービスにはstandardティアを適用する。
func Parse(r io.Reader) (*Registry, error) {
	var cfg fileConfig
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("レジストリ設定のパースに失敗: %w", err)
	}

	tiers := DefaultTiers()
	for id, tc := range cfg.Tiers {
		tier := tiers[id]
		if tc.Window > 0 {
			tier.Window = tc.Window
		}
		if tc.MaxRequests > 0 {
			tier.MaxRequests = tc.MaxRequests
		}
		if tc.Message != "" {
			tier.RejectionMessage = tc.Message
		}
		tiers[id] = tier
	}

	services := make([]ServiceDescriptor, 0, len(cfg.Services))
	for _, sc := range cfg.Services {
		tier := sc.Tier
		if tier == "" {
			tier = TierStandard
		}
		services = append(services, ServiceDescriptor{
			Name:         sc.Name,
			PathPrefix:   sc.Path,
			BackendURL:   sc.URL,
			RequiresAuth: sc.Auth,
			RateTier:     tier,
			AllowedRoles: sc.AllowedRoles,
		})
	}

	reg, err := New(services, tiers)
	if err != nil {
		return nil, fmt.Errorf("レジストリの検証に失敗: %w", err)
	}
	return reg, nil
}
