package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// DefaultExemptPaths はレート制限を適用しないパス。
var DefaultExemptPaths = []string{"/health", "/health/live", "/health/ready", "/metrics"}

// DefaultBypassRoles はレート制限を適用しないロール。
var DefaultBypassRoles = []string{"admin"}

// ErrInvalidPolicy はポリシーのウィンドウ長または上限回数が不正であることを表す。
var ErrInvalidPolicy = errors.New("レート制限ポリシーが不正です")

// Policy は1つのティアの制限内容。
type Policy struct {
	// Tier はティア名。キーとメトリクスのラベルに使用する。
	Tier string
	// Window はウィンドウ長。
	Window time.Duration
	// MaxRequests はウィンドウ内で許可する最大リクエスト数。
	MaxRequests int64
}

// Request はレート制限の判定対象。
type Request struct {
	// Path はリクエストパス。
	Path string
	// ClientIP はクライアントのIPアドレス。
	ClientIP string
	// UserID は認証済みユーザーのID。未認証の場合は空文字列。
	UserID string
	// Role は認証済みユーザーのロール。
	Role string
	// Policy は適用するポリシー。
	Policy Policy
}

// Decision はレート制限の判定結果。
type Decision struct {
	// Allowed はリクエストを許可するかどうか。
	Allowed bool
	// Bypassed は除外ルールによりカウントしなかったかどうか。
	Bypassed bool
	// FailedOpen はストア障害によりカウントせずに許可したかどうか。
	FailedOpen bool
	// Key はカウンタのキー。
	Key string
	// Count はウィンドウ内の現在のリクエスト数。
	Count int64
	// Limit はウィンドウ内の最大リクエスト数。
	Limit int64
	// Remaining はウィンドウ内の残りリクエスト数。
	Remaining int64
	// ResetAt はウィンドウの終了時刻。
	ResetAt time.Time
	// RetryAfter は拒否時に再試行可能になるまでの時間（秒単位に切り上げ済み）。
	RetryAfter time.Duration
}

// Counted はストアでカウントした結果かどうかを返す。
// falseの場合、レート制限ヘッダーは出力しない。
func (d Decision) Counted() bool {
	return !d.Bypassed && !d.FailedOpen
}

// Recorder はレート制限のメトリクスを記録する。
type Recorder interface {
	// RateLimitRejected は拒否を記録する。
	RateLimitRejected(tier string)
	// StoreError はストア障害を記録する。
	StoreError()
}

type nopRecorder struct{}

func (nopRecorder) RateLimitRejected(string) {}
func (nopRecorder) StoreError()              {}

// Config はLimiterの設定。
type Config struct {
	// Store はカウンタストア。
	Store Store
	// StoreTimeout はストア呼び出し1回あたりのタイムアウト。0の場合は200ms。
	StoreTimeout time.Duration
	// Whitelist はレート制限を適用しないクライアントIPまたはCIDR。
	Whitelist []string
	// ExemptPaths はレート制限を適用しないパス。nilの場合はDefaultExemptPaths。
	ExemptPaths []string
	// BypassRoles はレート制限を適用しないロール。nilの場合はDefaultBypassRoles。
	BypassRoles []string
	// Recorder はメトリクスの記録先。nilの場合は記録しない。
	Recorder Recorder
}

// Limiter は固定ウィンドウ方式のレート制限器。
type Limiter struct {
	store        Store
	storeTimeout time.Duration
	whitelist    []netip.Prefix
	exemptPaths  map[string]struct{}
	bypassRoles  map[string]struct{}
	recorder     Recorder
	now          func() time.Time
}

// NewLimiter はLimiterを生成する。
func NewLimiter(cfg Config) (*Limiter, error) {
	if cfg.Store == nil {
		return nil, errors.New("カウンタストアが指定されていません")
	}

	l := &Limiter{
		store:        cfg.Store,
		storeTimeout: cfg.StoreTimeout,
		exemptPaths:  toSet(cfg.ExemptPaths, DefaultExemptPaths),
		bypassRoles:  toSet(cfg.BypassRoles, DefaultBypassRoles),
		recorder:     cfg.Recorder,
		now:          time.Now,
	}
	if l.storeTimeout <= 0 {
		l.storeTimeout = 200 * time.Millisecond
	}
	if l.recorder == nil {
		l.recorder = nopRecorder{}
	}

	for _, entry := range cfg.Whitelist {
		prefix, err := parsePrefix(entry)
		if err != nil {
			return nil, fmt.Errorf("ホワイトリストのエントリが不正です %q: %w", entry, err)
		}
		l.whitelist = append(l.whitelist, prefix)
	}
	return l, nil
}

// Check はリクエストをカウントして許可するかどうかを判定する。
// ストアの障害時は許可を返し、エラーは返さない。
func (l *Limiter) Check(ctx context.Context, req Request) (Decision, error) {
	p := req.Policy
	if p.Window <= 0 || p.MaxRequests <= 0 {
		return Decision{}, fmt.Errorf("%w: tier=%s", ErrInvalidPolicy, p.Tier)
	}

	if l.bypass(req) {
		return Decision{Allowed: true, Bypassed: true, Limit: p.MaxRequests}, nil
	}

	key := Key(p.Tier, req.UserID, req.ClientIP, req.Path)
	logger := zerolog.Ctx(ctx)

	storeCtx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()

	count, ttl, err := l.store.Increment(storeCtx, key, p.Window)
	if err != nil {
		l.recorder.StoreError()
		logger.Warn().Err(err).Str("key", key).Msg("rate limit store unavailable, failing open")
		return Decision{Allowed: true, FailedOpen: true, Key: key, Limit: p.MaxRequests}, nil
	}

	if ttl <= 0 || ttl > p.Window {
		ttl = p.Window
	}

	d := Decision{
		Allowed:   count <= p.MaxRequests,
		Key:       key,
		Count:     count,
		Limit:     p.MaxRequests,
		Remaining: max(p.MaxRequests-count, 0),
		ResetAt:   l.now().Add(ttl),
	}
	if !d.Allowed {
		d.RetryAfter = retryAfter(ttl, p.Window)
		l.recorder.RateLimitRejected(p.Tier)
		logger.Warn().
			Str("key", key).
			Str("path", req.Path).
			Str("tier", p.Tier).
			Int64("count", count).
			Msg("rate limit exceeded")
	}
	return d, nil
}

// Ping はカウンタストアへの疎通を確認する。
func (l *Limiter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()
	return l.store.Ping(ctx)
}

// bypass は除外ルールに該当するかどうかを判定する。
func (l *Limiter) bypass(req Request) bool {
	if _, ok := l.exemptPaths[req.Path]; ok {
		return true
	}
	if req.Role != "" {
		if _, ok := l.bypassRoles[req.Role]; ok {
			return true
		}
	}
	if len(l.whitelist) > 0 {
		if addr, err := netip.ParseAddr(req.ClientIP); err == nil {
			addr = addr.Unmap()
			for _, prefix := range l.whitelist {
				if prefix.Contains(addr) {
					return true
				}
			}
		}
	}
	return false
}

// Key はレート制限カウンタのキーを生成する。
// 認証済みの場合はユーザーID、未認証の場合はクライアントIPで識別する。
func Key(tier, userID, clientIP, path string) string {
	subject := "ip:" + clientIP
	if userID != "" {
		subject = "user:" + userID
	}
	return fmt.Sprintf("ratelimit:%s:%s:%s", tier, subject, path)
}

// SetHeaders は判定結果からX-RateLimit-*ヘッダーを設定する。
// カウントしなかった判定では何もしない。
func SetHeaders(h http.Header, d Decision) {
	if !d.Counted() {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// retryAfter は残り時間を秒に切り上げ、1秒以上ウィンドウ長以下に収める。
func retryAfter(ttl, window time.Duration) time.Duration {
	secs := int64(math.Ceil(ttl.Seconds()))
	maxSecs := max(int64(math.Ceil(window.Seconds())), 1)
	secs = min(max(secs, 1), maxSecs)
	return time.Duration(secs) * time.Second
}

// parsePrefix はIPアドレスまたはCIDRをPrefixに変換する。
func parsePrefix(entry string) (netip.Prefix, error) {
	if prefix, err := netip.ParsePrefix(entry); err == nil {
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// toSet は値の集合を作る。valuesがnilの場合はdefaultsを使う。
func toSet(values, defaults []string) map[string]struct{} {
	if values == nil {
		values = defaults
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
