package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nao1215/edgegate/pkg/apierror"
)

// captured はバックエンドが受け取ったリクエストの内容。
type captured struct {
	method string
	path   string
	query  string
	header http.Header
	body   string
}

// newBackend はリクエストを記録して固定の応答を返すテスト用バックエンドを起動する。
func newBackend(t *testing.T, handler http.HandlerFunc) (*httptest.Server, func() captured) {
	t.Helper()

	var (
		mu  sync.Mutex
		got captured
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = captured{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			header: r.Header.Clone(),
			body:   string(body),
		}
		mu.Unlock()
		if handler != nil {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	return srv, func() captured {
		mu.Lock()
		defer mu.Unlock()
		return got
	}
}

// countingRecorder は失敗の記録回数を数える。
type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) UpstreamError(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[service]++
}

// TestDispatch はバックエンドへの転送を検証する。
func TestDispatch(t *testing.T) {
	t.Parallel()

	t.Run("プレフィックスを取り除いてメソッドとボディとクエリを転送すること", func(t *testing.T) {
		t.Parallel()

		backend, got := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Backend", "events")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"e-1"}`))
		})

		d := New(Config{Timeout: 5 * time.Second})
		req := httptest.NewRequest(http.MethodPost, "/api/events/123/attend?notify=true&x=1", strings.NewReader(`{"seat":"A1"}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()

		err := d.Dispatch(w, req, Target{Name: "events", BackendURL: backend.URL, PathPrefix: "/api/events"}, Identity{CorrelationID: "cid-1"})
		if err != nil {
			t.Fatalf("Dispatch()でエラーが発生: %v", err)
		}

		c := got()
		if c.method != http.MethodPost {
			t.Errorf("method = %q, want POST", c.method)
		}
		if c.path != "/123/attend" {
			t.Errorf("path = %q, want %q", c.path, "/123/attend")
		}
		if c.query != "notify=true&x=1" {
			t.Errorf("query = %q, want %q", c.query, "notify=true&x=1")
		}
		if c.body != `{"seat":"A1"}` {
			t.Errorf("body = %q", c.body)
		}

		if w.Code != http.StatusCreated {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusCreated)
		}
		if w.Body.String() != `{"id":"e-1"}` {
			t.Errorf("レスポンスボディ = %q", w.Body.String())
		}
		if got := w.Header().Get(HeaderServedBy); got != "events" {
			t.Errorf("X-Served-By = %q, want %q", got, "events")
		}
		if got := w.Header().Get("X-Backend"); got != "events" {
			t.Errorf("X-Backend = %q, want %q", got, "events")
		}
	})

	t.Run("プレフィックスと完全一致するパスはルートに転送されること", func(t *testing.T) {
		t.Parallel()

		backend, got := newBackend(t, nil)
		d := New(Config{})
		req := httptest.NewRequest(http.MethodGet, "/api/users", nil)

		if err := d.Dispatch(httptest.NewRecorder(), req, Target{Name: "users", BackendURL: backend.URL, PathPrefix: "/api/users"}, Identity{}); err != nil {
			t.Fatalf("Dispatch()でエラーが発生: %v", err)
		}
		if c := got(); c.path != "/" {
			t.Errorf("path = %q, want %q", c.path, "/")
		}
	})

	t.Run("プリンシパルと相関IDのヘッダーを付与し偽装ヘッダーを取り除くこと", func(t *testing.T) {
		t.Parallel()

		backend, got := newBackend(t, nil)
		d := New(Config{})
		req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
		req.Header.Set("Authorization", "Bearer token")
		req.Header.Set(HeaderUserID, "spoofed")
		req.Header.Set(HeaderUserRole, "admin")
		req.Header.Set("Connection", "keep-alive, X-Private-Hop")
		req.Header.Set("X-Private-Hop", "secret")
		req.Header.Set("Keep-Alive", "timeout=5")
		req.Header.Set("Proxy-Authorization", "Basic abc")
		req.Header.Set("Upgrade", "websocket")
		req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

		err := d.Dispatch(httptest.NewRecorder(), req,
			Target{Name: "users", BackendURL: backend.URL, PathPrefix: "/api/users"},
			Identity{CorrelationID: "cid-9", UserID: "u-1", Role: "user"})
		if err != nil {
			t.Fatalf("Dispatch()でエラーが発生: %v", err)
		}

		h := got().header
		if h.Get(HeaderUserID) != "u-1" || h.Get(HeaderUserRole) != "user" {
			t.Errorf("X-User-ID/X-User-Role = %q/%q, want u-1/user", h.Get(HeaderUserID), h.Get(HeaderUserRole))
		}
		if h.Get(HeaderCorrelationID) != "cid-9" {
			t.Errorf("X-Correlation-ID = %q, want %q", h.Get(HeaderCorrelationID), "cid-9")
		}
		if h.Get("Authorization") != "Bearer token" {
			t.Errorf("Authorization = %q", h.Get("Authorization"))
		}
		for _, key := range []string{"X-Private-Hop", "Keep-Alive", "Proxy-Authorization", "Upgrade"} {
			if v := h.Get(key); v != "" {
				t.Errorf("%s = %q, want empty", key, v)
			}
		}
		if h.Get("X-Forwarded-For") != "192.0.2.1" {
			t.Errorf("X-Forwarded-For = %q, want %q", h.Get("X-Forwarded-For"), "192.0.2.1")
		}
		if h.Get("X-Forwarded-Host") != "example.com" {
			t.Errorf("X-Forwarded-Host = %q, want %q", h.Get("X-Forwarded-Host"), "example.com")
		}
		if h.Get("X-Forwarded-Proto") != "http" {
			t.Errorf("X-Forwarded-Proto = %q, want %q", h.Get("X-Forwarded-Proto"), "http")
		}
		if !strings.HasPrefix(h.Get("traceparent"), "00-4bf92f3577b34da6a3ce929d0e0e4736-") {
			t.Errorf("traceparent = %q", h.Get("traceparent"))
		}
	})

	t.Run("未認証の場合はプリンシパルのヘッダーを送らないこと", func(t *testing.T) {
		t.Parallel()

		backend, got := newBackend(t, nil)
		d := New(Config{})
		req := httptest.NewRequest(http.MethodGet, "/api/public", nil)
		req.Header.Set(HeaderUserID, "spoofed")

		if err := d.Dispatch(httptest.NewRecorder(), req, Target{Name: "public", BackendURL: backend.URL, PathPrefix: "/api/public"}, Identity{CorrelationID: "c"}); err != nil {
			t.Fatalf("Dispatch()でエラーが発生: %v", err)
		}
		if v := got().header.Get(HeaderUserID); v != "" {
			t.Errorf("X-User-ID = %q, want empty", v)
		}
	})

	t.Run("バックエンドのGateway管理ヘッダーは上書きされないこと", func(t *testing.T) {
		t.Parallel()

		backend, _ := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("X-Correlation-ID", "backend-cid")
			w.Header().Set("X-RateLimit-Limit", "1")
			w.Header().Set("X-Served-By", "impostor")
			w.WriteHeader(http.StatusOK)
		})
		d := New(Config{})
		w := httptest.NewRecorder()
		w.Header().Set("X-Correlation-ID", "gw-cid")
		w.Header().Set("X-RateLimit-Limit", "100")

		if err := d.Dispatch(w, httptest.NewRequest(http.MethodGet, "/svc", nil), Target{Name: "svc", BackendURL: backend.URL, PathPrefix: "/svc"}, Identity{}); err != nil {
			t.Fatalf("Dispatch()でエラーが発生: %v", err)
		}
		if got := w.Header().Values("X-Correlation-ID"); len(got) != 1 || got[0] != "gw-cid" {
			t.Errorf("X-Correlation-ID = %v, want [gw-cid]", got)
		}
		if got := w.Header().Values("X-RateLimit-Limit"); len(got) != 1 || got[0] != "100" {
			t.Errorf("X-RateLimit-Limit = %v, want [100]", got)
		}
		if got := w.Header().Get(HeaderServedBy); got != "svc" {
			t.Errorf("X-Served-By = %q, want %q", got, "svc")
		}
	})

	t.Run("バックエンドの5xxはそのまま返ること", func(t *testing.T) {
		t.Parallel()

		backend, _ := newBackend(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("maintenance"))
		})
		d := New(Config{})
		w := httptest.NewRecorder()

		if err := d.Dispatch(w, httptest.NewRequest(http.MethodGet, "/svc", nil), Target{Name: "svc", BackendURL: backend.URL, PathPrefix: "/svc"}, Identity{}); err != nil {
			t.Fatalf("Dispatch()でエラーが発生: %v", err)
		}
		if w.Code != http.StatusServiceUnavailable || w.Body.String() != "maintenance" {
			t.Errorf("status = %d, body = %q", w.Code, w.Body.String())
		}
	})

	t.Run("リダイレクトは追従せずにそのまま返ること", func(t *testing.T) {
		t.Parallel()

		backend, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
		})
		d := New(Config{})
		w := httptest.NewRecorder()

		if err := d.Dispatch(w, httptest.NewRequest(http.MethodGet, "/svc/a", nil), Target{Name: "svc", BackendURL: backend.URL, PathPrefix: "/svc"}, Identity{}); err != nil {
			t.Fatalf("Dispatch()でエラーが発生: %v", err)
		}
		if w.Code != http.StatusFound {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusFound)
		}
	})
}

// TestDispatchFailure はバックエンドに到達できない場合を検証する。
func TestDispatchFailure(t *testing.T) {
	t.Parallel()

	assertUnavailable := func(t *testing.T, err error, w *httptest.ResponseRecorder) {
		t.Helper()

		var apiErr *apierror.Error
		if !errors.As(err, &apiErr) {
			t.Fatalf("error = %v, want *apierror.Error", err)
		}
		if apiErr.Code != apierror.CodeServiceUnavailable || apiErr.Status() != http.StatusBadGateway {
			t.Errorf("Code = %q, Status = %d", apiErr.Code, apiErr.Status())
		}
		if w.Body.Len() != 0 {
			t.Errorf("失敗時にレスポンスが書き込まれた: %q", w.Body.String())
		}
	}

	t.Run("停止したバックエンドではSERVICE_UNAVAILABLEになること", func(t *testing.T) {
		t.Parallel()

		backend := httptest.NewServer(http.NotFoundHandler())
		backendURL := backend.URL
		backend.Close()

		rec := &countingRecorder{}
		d := New(Config{Timeout: 2 * time.Second, Recorder: rec})
		w := httptest.NewRecorder()

		err := d.Dispatch(w, httptest.NewRequest(http.MethodGet, "/api/payments", nil), Target{Name: "payments", BackendURL: backendURL, PathPrefix: "/api/payments"}, Identity{})
		assertUnavailable(t, err, w)
		if rec.counts["payments"] != 1 {
			t.Errorf("失敗の記録回数 = %d, want 1", rec.counts["payments"])
		}
	})

	t.Run("タイムアウトした場合はSERVICE_UNAVAILABLEになること", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		backend, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
			w.WriteHeader(http.StatusOK)
		})
		t.Cleanup(func() { close(release) })

		d := New(Config{Timeout: 50 * time.Millisecond})
		w := httptest.NewRecorder()

		start := time.Now()
		err := d.Dispatch(w, httptest.NewRequest(http.MethodGet, "/slow", nil), Target{Name: "slow", BackendURL: backend.URL, PathPrefix: "/slow"}, Identity{})
		assertUnavailable(t, err, w)
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("タイムアウトが効いていない: %s", elapsed)
		}
	})

	t.Run("クライアントが切断した場合はバックエンド呼び出しが中断されること", func(t *testing.T) {
		t.Parallel()

		backendDone := make(chan struct{})
		backend, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
			close(backendDone)
		})

		d := New(Config{Timeout: 10 * time.Second})
		ctx, cancel := context.WithCancel(context.Background())
		req := httptest.NewRequest(http.MethodGet, "/svc", nil).WithContext(ctx)

		errCh := make(chan error, 1)
		go func() {
			errCh <- d.Dispatch(httptest.NewRecorder(), req, Target{Name: "svc", BackendURL: backend.URL, PathPrefix: "/svc"}, Identity{})
		}()

		time.Sleep(50 * time.Millisecond)
		cancel()

		select {
		case err := <-errCh:
			if err == nil {
				t.Error("Dispatch()がエラーを返さなかった")
			}
		case <-time.After(5 * time.Second):
			t.Fatal("クライアント切断後もDispatch()が戻らない")
		}

		select {
		case <-backendDone:
		case <-time.After(5 * time.Second):
			t.Error("バックエンド側のリクエストがキャンセルされていない")
		}
	})
}

// TestBuildURL は転送先URLの組み立てを検証する。
func TestBuildURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		backend string
		prefix  string
		in      string
		want    string
	}{
		{"プレフィックスを取り除くこと", "http://users:3001", "/api/users", "/api/users/me", "http://users:3001/me"},
		{"完全一致はルートになること", "http://users:3001", "/api/users", "/api/users", "http://users:3001/"},
		{"クエリを保持すること", "http://users:3001", "/api/users", "/api/users?page=2&q=a%20b", "http://users:3001/?page=2&q=a%20b"},
		{"ベースURLのパスと連結すること", "http://legacy:8080/v1/", "/api/legacy", "/api/legacy/items", "http://legacy:8080/v1/items"},
		{"ルートプレフィックスは取り除かないこと", "https://web:443", "/", "/index.html", "https://web:443/index.html"},
		{"エンコードされたスラッシュを保持すること", "http://files:3006", "/api/files", "/api/files/a%2Fb/c", "http://files:3006/a%2Fb/c"},
		{"エンコードされた文字をベースURLと連結しても保持すること", "http://files:3006/v1", "/api/files", "/api/files/report%20q1%3F.pdf", "http://files:3006/v1/report%20q1%3F.pdf"},
		{"プレフィックスがエンコードされていても取り除くこと", "http://users:3001", "/api/users", "/api%2Fusers/me", "http://users:3001/me"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			in, err := url.Parse(tt.in)
			if err != nil {
				t.Fatalf("URLのパースに失敗: %v", err)
			}
			got, err := BuildURL(tt.backend, tt.prefix, in)
			if err != nil {
				t.Fatalf("BuildURL()でエラーが発生: %v", err)
			}
			if got != tt.want {
				t.Errorf("BuildURL() = %q, want %q", got, tt.want)
			}
		})
	}

	t.Run("相対URLはエラーになること", func(t *testing.T) {
		t.Parallel()

		if _, err := BuildURL("users:3001", "/api/users", &url.URL{Path: "/api/users"}); err == nil {
			t.Fatal("エラーが返るべきだが、nilが返った")
		}
	})
}
