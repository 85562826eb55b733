// Package proxy はリクエストをバックエンドサービスへ転送するリバースプロキシを提供する。
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nao1215/edgegate/pkg/apierror"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/propagation"
)

// DefaultTimeout はバックエンド呼び出しの既定タイムアウト。
const DefaultTimeout = 30 * time.Second

const (
	// HeaderServedBy は応答したサービス名を示すレスポンスヘッダー。
	HeaderServedBy = "X-Served-By"
	// HeaderUserID はプリンシパルのユーザーIDをバックエンドへ伝えるヘッダー。
	HeaderUserID = "X-User-ID"
	// HeaderUserRole はプリンシパルのロールをバックエンドへ伝えるヘッダー。
	HeaderUserRole = "X-User-Role"
	// HeaderCorrelationID は相関IDを伝えるヘッダー。
	HeaderCorrelationID = "X-Correlation-ID"
)

// hopHeaders は接続ごとに意味を持ち、転送してはならないヘッダー。
// Proxy- で始まるヘッダーは別途取り除く。
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// spoofableHeaders はクライアントから受け取っても転送しないヘッダー。
// プリンシパル情報はGatewayのみが設定する。
var spoofableHeaders = []string{HeaderUserID, HeaderUserRole, HeaderCorrelationID}

// gatewayOwnedPrefixes はバックエンドの応答から転送しないヘッダー。Gatewayが設定する。
var gatewayOwnedPrefixes = []string{HeaderCorrelationID, "X-Ratelimit-", HeaderServedBy}

// Target は転送先のサービス。
type Target struct {
	// Name はサービス名。
	Name string
	// BackendURL は転送先のベースURL。
	BackendURL string
	// PathPrefix は転送時にパスから取り除くプレフィックス。
	PathPrefix string
}

// Identity はバックエンドへ伝える呼び出し元の情報。
type Identity struct {
	// CorrelationID はリクエストの相関ID。
	CorrelationID string
	// UserID はプリンシパルのユーザーID。未認証の場合は空文字列。
	UserID string
	// Role はプリンシパルのロール。
	Role string
}

// Recorder はバックエンド呼び出しの失敗を記録する。
type Recorder interface {
	// UpstreamError は失敗を記録する。
	UpstreamError(service string)
}

// Config はDispatcherの設定。
type Config struct {
	// Timeout は接続確立、レスポンスヘッダー受信、およびやり取り全体の上限。0の場合はDefaultTimeout。
	Timeout time.Duration
	// Transport は下位のRoundTripper。nilの場合はタイムアウトを設定したhttp.Transportを使う。
	Transport http.RoundTripper
	// Recorder はメトリクスの記録先。nilの場合は記録しない。
	Recorder Recorder
}

// Dispatcher はリクエストをバックエンドへ転送する。リトライは行わない。
type Dispatcher struct {
	client     *http.Client
	timeout    time.Duration
	propagator propagation.TextMapPropagator
	recorder   Recorder
}

// New はDispatcherを生成する。
func New(cfg Config) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	base := cfg.Transport
	if base == nil {
		base = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
			ExpectContinueTimeout: 1 * time.Second,
		}
	}

	propagator := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})

	return &Dispatcher{
		client: &http.Client{
			Transport: otelhttp.NewTransport(base, otelhttp.WithPropagators(propagator)),
			// バックエンドのリダイレクトはそのままクライアントへ返す
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:    timeout,
		propagator: propagator,
		recorder:   cfg.Recorder,
	}
}

// Dispatch はリクエストをtargetへ転送し、レスポンスをwへ書き込む。
//
// レスポンスを書き込む前に失敗した場合は *apierror.Error（SERVICE_UNAVAILABLE）を返す。
// この場合wには何も書き込まない。
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, target Target, id Identity) error {
	logger := zerolog.Ctx(r.Context())

	upstreamURL, err := BuildURL(target.BackendURL, target.PathPrefix, r.URL)
	if err != nil {
		return apierror.ServiceUnavailable(target.Name, err)
	}

	ctx, cancel := context.WithTimeout(r.Context(), d.timeout)
	defer cancel()
	ctx = d.propagator.Extract(ctx, propagation.HeaderCarrier(r.Header))

	var body io.Reader
	if r.ContentLength != 0 && r.Body != nil {
		body = r.Body
	}
	outreq, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, body)
	if err != nil {
		return apierror.ServiceUnavailable(target.Name, err)
	}
	outreq.ContentLength = r.ContentLength
	outreq.Header = outboundHeaders(r, id)

	start := time.Now()
	resp, err := d.client.Do(outreq)
	if err != nil {
		d.recordError(target.Name)
		ev := logger.Warn()
		if r.Context().Err() != nil {
			ev = logger.Info()
		}
		ev.Err(err).
			Str("service", target.Name).
			Str("upstream", upstreamURL).
			Dur("elapsed", time.Since(start)).
			Msg("upstream request failed")
		return apierror.ServiceUnavailable(target.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set(HeaderServedBy, target.Name)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// ステータスは送信済みのため、ログと記録のみ行う
		d.recordError(target.Name)
		logger.Warn().Err(err).Str("service", target.Name).Msg("upstream response body copy failed")
	}
	return nil
}

// recordError は失敗を記録する。
func (d *Dispatcher) recordError(service string) {
	if d.recorder != nil {
		d.recorder.UpstreamError(service)
	}
}

// BuildURL はバックエンドのベースURLに、プレフィックスを取り除いたパスとクエリを連結する。
// 取り除いた結果が空の場合は "/" とする。
func BuildURL(backendURL, prefix string, in *url.URL) (string, error) {
	base, err := url.Parse(backendURL)
	if err != nil {
		return "", fmt.Errorf("バックエンドURLが不正です: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", errors.New("バックエンドURLは絶対URLである必要があります")
	}

	raw := singleJoiningSlash(base.EscapedPath(), upstreamPath(prefix, in))
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("転送先パスが不正です: %w", err)
	}

	u := *base
	u.Path = decoded
	u.RawPath = raw
	u.RawQuery = in.RawQuery
	u.Fragment = ""
	return u.String(), nil
}

// upstreamPath はプレフィックスを取り除いたエスケープ済みのパスを返す。
// %2F などのエンコードはそのまま保持する。
func upstreamPath(prefix string, in *url.URL) string {
	escaped := in.EscapedPath()
	if prefix == "/" {
		return escaped
	}
	p := strings.TrimSuffix(prefix, "/")
	if rest, ok := strings.CutPrefix(escaped, p); ok && (rest == "" || strings.HasPrefix(rest, "/")) {
		if rest == "" {
			return "/"
		}
		return rest
	}
	// プレフィックス自体がエンコードされている場合はデコード済みのパスから組み立て直す
	rest := strings.TrimPrefix(in.Path, p)
	if rest == "" {
		rest = "/"
	}
	return (&url.URL{Path: rest}).EscapedPath()
}

// singleJoiningSlash はスラッシュが重複しないようにパスを連結する。
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// outboundHeaders はバックエンドへ送るヘッダーを組み立てる。
func outboundHeaders(r *http.Request, id Identity) http.Header {
	h := r.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	removeHopHeaders(h)
	for _, key := range spoofableHeaders {
		h.Del(key)
	}

	if id.CorrelationID != "" {
		h.Set(HeaderCorrelationID, id.CorrelationID)
	}
	if id.UserID != "" {
		h.Set(HeaderUserID, id.UserID)
		if id.Role != "" {
			h.Set(HeaderUserRole, id.Role)
		}
	}

	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		h.Set("X-Forwarded-For", ip)
	}
	h.Set("X-Forwarded-Host", r.Host)
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
	return h
}

// removeHopHeaders はhop-by-hopヘッダーを取り除く。
// Connectionヘッダーで列挙されたヘッダーも対象とする。
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, key := range hopHeaders {
		h.Del(key)
	}
	for key := range h {
		if strings.HasPrefix(key, "Proxy-") {
			delete(h, key)
		}
	}
}

// copyResponseHeaders はバックエンドのレスポンスヘッダーをコピーする。
// hop-by-hopヘッダーとGatewayが設定するヘッダーは除外する。
func copyResponseHeaders(dst, src http.Header) {
	src = src.Clone()
	removeHopHeaders(src)
	for key, values := range src {
		if gatewayOwned(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// gatewayOwned はGatewayが設定するヘッダーかどうかを判定する。
func gatewayOwned(key string) bool {
	key = http.CanonicalHeaderKey(key)
	for _, prefix := range gatewayOwnedPrefixes {
		if strings.HasPrefix(key, http.CanonicalHeaderKey(prefix)) {
			return true
		}
	}
	return false
}
