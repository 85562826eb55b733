// Package registry はパスプレフィックスからバックエンドサービスを解決するサービスレジストリを提供する。
//
// レジストリは起動時に一度だけ構築され、以降は読み取り専用となる。
// 実行時の変更は行わず、設定の再読み込みはプロセスの再起動で行う。
package registry

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sort"
	"strings"
	"time"
)

// TierID はレート制限ティアの識別子。
type TierID string

const (
	// TierStandard は一般的なAPIに適用するティア。
	TierStandard TierID = "standard"
	// TierAuth はログイン等の認証エンドポイントに適用するティア。
	TierAuth TierID = "auth"
	// TierCritical は決済等の重要なエンドポイントに適用するティア。
	TierCritical TierID = "critical"
	// TierPremium は有償プラン向けのティア。
	TierPremium TierID = "premium"
	// TierAdmin は管理APIに適用するティア。
	TierAdmin TierID = "admin"
)

// RateLimitTier はレート制限ポリシー（ウィンドウ長と上限回数）を表す。
type RateLimitTier struct {
	// ID はティアの識別子。
	ID TierID
	// Window はカウンタのウィンドウ長。
	Window time.Duration
	// MaxRequests はウィンドウ内で許可する最大リクエスト数。
	MaxRequests int64
	// RejectionMessage は上限超過時にクライアントへ返すメッセージ。
	RejectionMessage string
}

// DefaultTiers は組み込みのティア定義を返す。
func DefaultTiers() map[TierID]RateLimitTier {
	return map[TierID]RateLimitTier{
		TierStandard: {
			ID:               TierStandard,
			Window:           time.Minute,
			MaxRequests:      100,
			RejectionMessage: "リクエスト数の上限を超えました。しばらくしてから再試行してください",
		},
		TierAuth: {
			ID:               TierAuth,
			Window:           15 * time.Minute,
			MaxRequests:      5,
			RejectionMessage: "認証の試行回数が上限を超えました。15分後に再試行してください",
		},
		TierCritical: {
			ID:               TierCritical,
			Window:           time.Minute,
			MaxRequests:      50,
			RejectionMessage: "この操作のリクエスト数が上限を超えました",
		},
		TierPremium: {
			ID:               TierPremium,
			Window:           time.Minute,
			MaxRequests:      500,
			RejectionMessage: "プレミアムプランのリクエスト上限を超えました",
		},
		TierAdmin: {
			ID:               TierAdmin,
			Window:           time.Minute,
			MaxRequests:      1000,
			RejectionMessage: "管理APIのリクエスト上限を超えました",
		},
	}
}

// ServiceDescriptor はバックエンドサービス1件のルーティング定義。
type ServiceDescriptor struct {
	// Name はサービス名。X-Served-Byヘッダーとメトリクスのラベルに使用する。
	Name string
	// PathPrefix はこのサービスに振り分けるリクエストパスのプレフィックス。
	PathPrefix string
	// BackendURL は転送先のベースURL。
	BackendURL string
	// RequiresAuth は認証が必須かどうか。
	RequiresAuth bool
	// RateTier は適用するレート制限ティア。
	RateTier TierID
	// AllowedRoles が空でない場合、これらのロールを持つプリンシパルのみ許可する。
	AllowedRoles []string
}

// reservedPaths はGateway自身が応答するパス。サービスのプレフィックスと重複してはならない。
var reservedPaths = []string{"/health", "/metrics"}

// Registry は不変のサービスレジストリ。
type Registry struct {
	// services はプレフィックスの長い順に並んだサービス定義。
	services []ServiceDescriptor
	// tiers はティアIDからティア定義への対応。
	tiers map[TierID]RateLimitTier
}

// New はサービス定義とティア定義を検証してレジストリを生成する。
// tiersがnilの場合は組み込みのティアを使用する。
func New(services []ServiceDescriptor, tiers map[TierID]RateLimitTier) (*Registry, error) {
	if tiers == nil {
		tiers = DefaultTiers()
	}

	r := &Registry{
		services: make([]ServiceDescriptor, 0, len(services)),
		tiers:    make(map[TierID]RateLimitTier, len(tiers)),
	}

	for id, tier := range tiers {
		if tier.Window <= 0 {
			return nil, fmt.Errorf("ティア %s のウィンドウ長が不正です: %s", id, tier.Window)
		}
		if tier.MaxRequests <= 0 {
			return nil, fmt.Errorf("ティア %s の上限回数が不正です: %d", id, tier.MaxRequests)
		}
		tier.ID = id
		r.tiers[id] = tier
	}

	names := make(map[string]struct{}, len(services))
	prefixes := make(map[string]string, len(services))
	var errs []error
	for _, svc := range services {
		svc.PathPrefix = normalizePrefix(svc.PathPrefix)
		svc.AllowedRoles = slices.Clone(svc.AllowedRoles)

		if err := r.validate(svc); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, ok := names[svc.Name]; ok {
			errs = append(errs, fmt.Errorf("サービス名 %s が重複しています", svc.Name))
			continue
		}
		if other, ok := prefixes[svc.PathPrefix]; ok {
			errs = append(errs, fmt.Errorf("サービス %s のプレフィックス %s が %s と重複しています", svc.Name, svc.PathPrefix, other))
			continue
		}
		names[svc.Name] = struct{}{}
		prefixes[svc.PathPrefix] = svc.Name
		r.services = append(r.services, svc)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	// 最長一致を先頭から走査で得るため、長いプレフィックス順に並べる。
	// 同じ長さでは名前順にして結果を決定的にする。
	sort.SliceStable(r.services, func(i, j int) bool {
		pi, pj := r.services[i].PathPrefix, r.services[j].PathPrefix
		if len(pi) != len(pj) {
			return len(pi) > len(pj)
		}
		return pi < pj
	})

	return r, nil
}

// validate はサービス定義1件を検証する。
func (r *Registry) validate(svc ServiceDescriptor) error {
	if svc.Name == "" {
		return errors.New("サービス名が空です")
	}
	if !strings.HasPrefix(svc.PathPrefix, "/") {
		return fmt.Errorf("サービス %s のプレフィックスは / で始まる必要があります: %q", svc.Name, svc.PathPrefix)
	}
	for _, reserved := range reservedPaths {
		if matchPrefix(reserved, svc.PathPrefix) || matchPrefix(svc.PathPrefix, reserved) {
			return fmt.Errorf("サービス %s のプレフィックス %s は予約パス %s と衝突します", svc.Name, svc.PathPrefix, reserved)
		}
	}

	u, err := url.Parse(svc.BackendURL)
	if err != nil {
		return fmt.Errorf("サービス %s のバックエンドURLが不正です: %w", svc.Name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("サービス %s のバックエンドURLはhttp(s)の絶対URLである必要があります: %q", svc.Name, svc.BackendURL)
	}

	if _, ok := r.tiers[svc.RateTier]; !ok {
		return fmt.Errorf("サービス %s のティア %q は定義されていません", svc.Name, svc.RateTier)
	}
	return nil
}

// Lookup はリクエストパスに最長一致するサービスを返す。
func (r *Registry) Lookup(path string) (ServiceDescriptor, bool) {
	for _, svc := range r.services {
		if matchPrefix(path, svc.PathPrefix) {
			svc.AllowedRoles = slices.Clone(svc.AllowedRoles)
			return svc, true
		}
	}
	return ServiceDescriptor{}, false
}

// Tier はティアIDに対応するティア定義を返す。
func (r *Registry) Tier(id TierID) (RateLimitTier, bool) {
	tier, ok := r.tiers[id]
	return tier, ok
}

// Services は登録済みサービスの複製をマッチング順で返す。
func (r *Registry) Services() []ServiceDescriptor {
	out := make([]ServiceDescriptor, len(r.services))
	for i, svc := range r.services {
		svc.AllowedRoles = slices.Clone(svc.AllowedRoles)
		out[i] = svc
	}
	return out
}

// normalizePrefix は末尾のスラッシュを取り除く。
func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	for len(prefix) > 1 && strings.HasSuffix(prefix, "/") {
		prefix = strings.TrimSuffix(prefix, "/")
	}
	return prefix
}

// matchPrefix はpathがprefixにパスセグメント境界で一致するかを判定する。
// "/api/events" は "/api/events" と "/api/events/x" に一致し、"/api/eventsx" には一致しない。
func matchPrefix(path, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
