package registry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// newTestRegistry はテスト用のレジストリを生成する。
func newTestRegistry(t *testing.T, services ...ServiceDescriptor) *Registry {
	t.Helper()

	reg, err := New(services, nil)
	if err != nil {
		t.Fatalf("レジストリの生成に失敗: %v", err)
	}
	return reg
}

// TestLookup は最長一致によるサービス解決を検証する。
func TestLookup(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t,
		ServiceDescriptor{Name: "events", PathPrefix: "/api/events", BackendURL: "http://events:3002", RateTier: TierStandard},
		ServiceDescriptor{Name: "events-admin", PathPrefix: "/api/events/admin", BackendURL: "http://events-admin:3012", RequiresAuth: true, RateTier: TierAdmin, AllowedRoles: []string{"admin"}},
		ServiceDescriptor{Name: "payments", PathPrefix: "/api/payments/", BackendURL: "https://payments:3003", RequiresAuth: true, RateTier: TierCritical},
	)

	tests := []struct {
		name     string
		path     string
		wantName string
		wantOK   bool
	}{
		{"重複するプレフィックスでは長い方が優先されること", "/api/events/admin/x", "events-admin", true},
		{"長いプレフィックスに完全一致すること", "/api/events/admin", "events-admin", true},
		{"短いプレフィックスに一致すること", "/api/events/123", "events", true},
		{"プレフィックスに完全一致すること", "/api/events", "events", true},
		{"セグメント境界以外では一致しないこと", "/api/eventsx", "", false},
		{"adminで始まる別セグメントは短い方に一致すること", "/api/events/administrators", "events", true},
		{"末尾スラッシュ付きで登録したプレフィックスにも一致すること", "/api/payments/charge", "payments", true},
		{"未登録のパスは一致しないこと", "/api/unknown", "", false},
		{"ルートパスは一致しないこと", "/", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc, ok := reg.Lookup(tt.path)
			if ok != tt.wantOK {
				t.Fatalf("Lookup(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			}
			if svc.Name != tt.wantName {
				t.Errorf("Lookup(%q) = %q, want %q", tt.path, svc.Name, tt.wantName)
			}
		})
	}
}

// TestLookupDeterministic は登録順に関わらず同じ結果になることを検証する。
func TestLookupDeterministic(t *testing.T) {
	t.Parallel()

	a := ServiceDescriptor{Name: "events", PathPrefix: "/api/events", BackendURL: "http://a", RateTier: TierStandard}
	b := ServiceDescriptor{Name: "events-admin", PathPrefix: "/api/events/admin", BackendURL: "http://b", RateTier: TierAdmin}

	forward := newTestRegistry(t, a, b)
	reverse := newTestRegistry(t, b, a)

	for i := 0; i < 10; i++ {
		f, _ := forward.Lookup("/api/events/admin/x")
		r, _ := reverse.Lookup("/api/events/admin/x")
		if f.Name != "events-admin" || r.Name != "events-admin" {
			t.Fatalf("Lookup結果が不定: forward=%q, reverse=%q", f.Name, r.Name)
		}
	}
}

// TestLookupReturnsCopy はLookupの結果を変更してもレジストリに影響しないことを検証する。
func TestLookupReturnsCopy(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, ServiceDescriptor{
		Name: "admin", PathPrefix: "/api/admin", BackendURL: "http://admin", RateTier: TierAdmin, AllowedRoles: []string{"admin"},
	})

	svc, _ := reg.Lookup("/api/admin")
	svc.AllowedRoles[0] = "user"

	again, _ := reg.Lookup("/api/admin")
	if again.AllowedRoles[0] != "admin" {
		t.Errorf("AllowedRoles[0] = %q, want %q", again.AllowedRoles[0], "admin")
	}

	list := reg.Services()
	list[0].Name = "changed"
	if s, _ := reg.Lookup("/api/admin"); s.Name != "admin" {
		t.Errorf("Name = %q, want %q", s.Name, "admin")
	}
}

// TestNewValidation はサービス定義の検証を確認する。
func TestNewValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		svc     []ServiceDescriptor
		wantErr string
	}{
		{
			name:    "サービス名が空の場合はエラー",
			svc:     []ServiceDescriptor{{PathPrefix: "/a", BackendURL: "http://a", RateTier: TierStandard}},
			wantErr: "サービス名が空",
		},
		{
			name:    "相対パスのプレフィックスはエラー",
			svc:     []ServiceDescriptor{{Name: "a", PathPrefix: "api/a", BackendURL: "http://a", RateTier: TierStandard}},
			wantErr: "/ で始まる必要",
		},
		{
			name:    "未定義のティアはエラー",
			svc:     []ServiceDescriptor{{Name: "a", PathPrefix: "/a", BackendURL: "http://a", RateTier: "gold"}},
			wantErr: "定義されていません",
		},
		{
			name:    "http以外のスキームはエラー",
			svc:     []ServiceDescriptor{{Name: "a", PathPrefix: "/a", BackendURL: "ftp://a", RateTier: TierStandard}},
			wantErr: "http(s)",
		},
		{
			name: "プレフィックスの重複はエラー",
			svc: []ServiceDescriptor{
				{Name: "a", PathPrefix: "/a", BackendURL: "http://a", RateTier: TierStandard},
				{Name: "b", PathPrefix: "/a/", BackendURL: "http://b", RateTier: TierStandard},
			},
			wantErr: "重複",
		},
		{
			name: "サービス名の重複はエラー",
			svc: []ServiceDescriptor{
				{Name: "a", PathPrefix: "/a", BackendURL: "http://a", RateTier: TierStandard},
				{Name: "a", PathPrefix: "/b", BackendURL: "http://b", RateTier: TierStandard},
			},
			wantErr: "重複",
		},
		{
			name:    "予約パスと衝突するプレフィックスはエラー",
			svc:     []ServiceDescriptor{{Name: "h", PathPrefix: "/health/deep", BackendURL: "http://h", RateTier: TierStandard}},
			wantErr: "予約パス",
		},
		{
			name:    "ルートのキャッチオールは予約パスを覆うためエラー",
			svc:     []ServiceDescriptor{{Name: "root", PathPrefix: "/", BackendURL: "http://r", RateTier: TierStandard}},
			wantErr: "予約パス",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := New(tt.svc, nil)
			if err == nil {
				t.Fatal("エラーが返るべきだが、nilが返った")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want contains %q", err.Error(), tt.wantErr)
			}
		})
	}

	t.Run("不正なティア定義はエラー", func(t *testing.T) {
		t.Parallel()

		_, err := New(nil, map[TierID]RateLimitTier{TierStandard: {Window: 0, MaxRequests: 1}})
		if err == nil {
			t.Fatal("エラーが返るべきだが、nilが返った")
		}
	})
}

// TestTier はティアの取得を検証する。
func TestTier(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t)

	tier, ok := reg.Tier(TierCritical)
	if !ok {
		t.Fatal("criticalティアが見つからない")
	}
	if tier.MaxRequests != 50 {
		t.Errorf("MaxRequests = %d, want 50", tier.MaxRequests)
	}
	if tier.Window != time.Minute {
		t.Errorf("Window = %v, want 1m", tier.Window)
	}
	if tier.ID != TierCritical {
		t.Errorf("ID = %q, want %q", tier.ID, TierCritical)
	}

	if _, ok := reg.Tier("unknown"); ok {
		t.Error("未定義のティアが見つかった")
	}
}

// TestParse はYAMLからのレジストリ構築を検証する。
func TestParse(t *testing.T) {
	t.Parallel()

	t.Run("サービスとティアの上書きを読み込めること", func(t *testing.T) {
		t.Parallel()

		yml := `
tiers:
  critical:
    window: 30s
    max_requests: 10
  partner:
    window: 1h
    max_requests: 5000
    message: partner limit
services:
  - name: payments
    path: /api/payments
    url: http://payments:3003
    auth: true
    tier: critical
  - name: users
    path: /api/users
    url: http://users:3001
  - name: partners
    path: /api/partners
    url: http://partners:3010
    auth: true
    tier: partner
    allowed_roles: [admin, partner]
`
		reg, err := Parse(strings.NewReader(yml))
		if err != nil {
			t.Fatalf("Parse()でエラーが発生: %v", err)
		}

		payments, ok := reg.Lookup("/api/payments/charge")
		if !ok || !payments.RequiresAuth || payments.RateTier != TierCritical {
			t.Errorf("payments = %+v", payments)
		}

		users, ok := reg.Lookup("/api/users/me")
		if !ok || users.RequiresAuth || users.RateTier != TierStandard {
			t.Errorf("users = %+v", users)
		}

		partners, _ := reg.Lookup("/api/partners")
		if len(partners.AllowedRoles) != 2 {
			t.Errorf("AllowedRoles = %v, want 2 roles", partners.AllowedRoles)
		}

		critical, _ := reg.Tier(TierCritical)
		if critical.Window != 30*time.Second || critical.MaxRequests != 10 {
			t.Errorf("critical = %+v", critical)
		}
		if critical.RejectionMessage == "" {
			t.Error("上書きしなかったメッセージが失われている")
		}

		partner, ok := reg.Tier("partner")
		if !ok || partner.RejectionMessage != "partner limit" {
			t.Errorf("partner = %+v", partner)
		}
	})

	t.Run("未知のフィールドはエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := Parse(strings.NewReader("services:\n  - name: a\n    prefix: /a\n"))
		if err == nil {
			t.Fatal("エラーが返るべきだが、nilが返った")
		}
	})

	t.Run("空のファイルはサービス無しのレジストリになること", func(t *testing.T) {
		t.Parallel()

		reg, err := Parse(strings.NewReader(""))
		if err != nil {
			t.Fatalf("Parse()でエラーが発生: %v", err)
		}
		if len(reg.Services()) != 0 {
			t.Errorf("サービス数 = %d, want 0", len(reg.Services()))
		}
	})
}

// TestLoad はファイルからの読み込みを検証する。
func TestLoad(t *testing.T) {
	t.Parallel()

	t.Run("ファイルから読み込めること", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "services.yaml")
		content := "services:\n  - name: users\n    path: /api/users\n    url: http://users:3001\n"
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("設定ファイルの書き込みに失敗: %v", err)
		}

		reg, err := Load(path)
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if _, ok := reg.Lookup("/api/users"); !ok {
			t.Error("usersサービスが見つからない")
		}
	})

	t.Run("存在しないファイルはエラーになること", func(t *testing.T) {
		t.Parallel()

		if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Fatal("エラーが返るべきだが、nilが返った")
		}
	})
}
