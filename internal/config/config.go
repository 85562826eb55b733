// Package config はGatewayの起動時設定を環境変数から読み込む。
//
// 設定は起動時に一度だけ読み込み、実行中に変更しない。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvProduction は本番環境を表すGATEWAY_ENVの値。
const EnvProduction = "production"

// DefaultJWTSecret は開発用の既定シークレット。本番環境では使用できない。
const DefaultJWTSecret = "dev-secret-key"

// CounterStore の種類。
const (
	// StoreRedis はRedisをカウンタストアとして使用する。
	StoreRedis = "redis"
	// StoreSQLite はSQLiteファイルをカウンタストアとして使用する。単一ノード構成向け。
	StoreSQLite = "sqlite"
)

// Settings はGatewayの設定値。
type Settings struct {
	// Port はHTTPサーバーのリッスンポート。
	Port int `envconfig:"PORT" default:"8080"`
	// Env は実行環境。productionの場合はエラー詳細を隠し、/metricsを保護する。
	Env string `envconfig:"GATEWAY_ENV" default:"development"`
	// JWTSecret はHS256署名の検証に使うシークレット。
	JWTSecret string `envconfig:"JWT_SECRET" default:"dev-secret-key"`
	// ServicesFile はサービスレジストリのYAMLファイルパス。
	ServicesFile string `envconfig:"SERVICES_FILE" default:"config/services.yaml"`
	// CORSAllowedOrigins はCORSで許可するオリジン。"*" で全て許可する。
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`

	// CounterStore はレート制限カウンタのストア種別（redis または sqlite）。
	CounterStore string `envconfig:"COUNTER_STORE" default:"redis"`
	// RedisAddr はRedisの接続先アドレス。
	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	// RedisPassword はRedisの認証パスワード。
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	// RedisDB はRedisのデータベース番号。
	RedisDB int `envconfig:"REDIS_DB" default:"0"`
	// SQLitePath はSQLiteカウンタストアのファイルパス。
	SQLitePath string `envconfig:"SQLITE_PATH" default:"/data/ratelimit.db"`
	// StoreTimeout はカウンタストア呼び出し1回あたりのタイムアウト。
	StoreTimeout time.Duration `envconfig:"STORE_TIMEOUT" default:"200ms"`

	// UpstreamTimeout はバックエンド呼び出しのタイムアウト。
	UpstreamTimeout time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"30s"`
	// MetricsKey は本番環境で/metricsに要求するBearerクレデンシャル。
	MetricsKey string `envconfig:"METRICS_KEY" default:""`
	// RateLimitWhitelist はレート制限を適用しないクライアントIP。
	RateLimitWhitelist []string `envconfig:"RATE_LIMIT_WHITELIST" default:""`
	// TrustedProxies はX-Forwarded-Forを信頼するプロキシのCIDRまたはIP。
	TrustedProxies []string `envconfig:"TRUSTED_PROXIES" default:""`

	// LogLevel はログレベル。
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	// LogPretty は人間向けのコンソール形式で出力するかどうか。
	LogPretty bool `envconfig:"LOG_PRETTY" default:"false"`
	// ShutdownTimeout はグレースフルシャットダウンの待機時間。
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load は環境変数から設定を読み込んで検証する。
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process("", &s); err != nil {
		return Settings{}, fmt.Errorf("環境変数の読み込みに失敗: %w", err)
	}
	s.CORSAllowedOrigins = compact(s.CORSAllowedOrigins)
	s.RateLimitWhitelist = compact(s.RateLimitWhitelist)
	s.TrustedProxies = compact(s.TrustedProxies)

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// IsProduction は本番環境かどうかを返す。
func (s Settings) IsProduction() bool {
	return s.Env == EnvProduction
}

// ExposeErrorDetail はエラーレスポンスに詳細を含めるかどうかを返す。
func (s Settings) ExposeErrorDetail() bool {
	return !s.IsProduction()
}

// Validate は設定値の整合性を検証する。
func (s Settings) Validate() error {
	var errs []error

	if s.Port <= 0 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORTが不正です: %d", s.Port))
	}
	if s.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRETが空です"))
	}
	if s.ServicesFile == "" {
		errs = append(errs, errors.New("SERVICES_FILEが空です"))
	}
	switch s.CounterStore {
	case StoreRedis:
		if s.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDRが空です"))
		}
	case StoreSQLite:
		if s.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATHが空です"))
		}
	default:
		errs = append(errs, fmt.Errorf("COUNTER_STOREが不正です: %q", s.CounterStore))
	}
	if s.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("STORE_TIMEOUTが不正です: %s", s.StoreTimeout))
	}
	if s.UpstreamTimeout <= 0 {
		errs = append(errs, fmt.Errorf("UPSTREAM_TIMEOUTが不正です: %s", s.UpstreamTimeout))
	}

	if s.IsProduction() {
		if s.JWTSecret == DefaultJWTSecret {
			errs = append(errs, errors.New("本番環境では既定のJWT_SECRETを使用できません"))
		}
		if s.MetricsKey == "" {
			errs = append(errs, errors.New("本番環境ではMETRICS_KEYが必要です"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("設定が不正です: %w", errors.Join(errs...))
	}
	return nil
}

// compact は各要素の前後の空白を除き、空要素を取り除く。
func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
