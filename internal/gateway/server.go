package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/internal/config"
	"github.com/nao1215/edgegate/internal/metrics"
	"github.com/nao1215/edgegate/internal/pipeline"
	"github.com/nao1215/edgegate/internal/registry"
	"github.com/nao1215/edgegate/internal/reqctx"
	"github.com/nao1215/edgegate/pkg/apierror"
	"github.com/nao1215/edgegate/pkg/middleware"
	"github.com/nao1215/edgegate/pkg/proxy"
	"github.com/nao1215/edgegate/pkg/ratelimit"
	"github.com/rs/zerolog"
)

// readHeaderTimeout はリクエストヘッダー受信のタイムアウト。
const readHeaderTimeout = 10 * time.Second

// Options はServerの依存関係。
type Options struct {
	// Settings は起動時設定。
	Settings config.Settings
	// Registry はサービスレジストリ。
	Registry *registry.Registry
	// Store はレート制限のカウンタストア。
	Store ratelimit.Store
	// Metrics はメトリクスの記録先。nilの場合は新たに生成する。
	Metrics *metrics.Metrics
	// Logger はベースとなるロガー。
	Logger zerolog.Logger
}

// Server はAPI GatewayのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// settings は起動時設定。
	settings config.Settings
	// limiter はレート制限器。readinessの確認にも使用する。
	limiter *ratelimit.Limiter
	// pipeline はルーティング後のステージ列。
	pipeline *pipeline.Pipeline
	// metrics はメトリクスの記録先。
	metrics *metrics.Metrics
	// logger はサーバーのロガー。
	logger zerolog.Logger
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, errors.New("サービスレジストリが指定されていません")
	}
	if opts.Store == nil {
		return nil, errors.New("カウンタストアが指定されていません")
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	settings := opts.Settings

	limiter, err := ratelimit.NewLimiter(ratelimit.Config{
		Store:        opts.Store,
		StoreTimeout: settings.StoreTimeout,
		Whitelist:    settings.RateLimitWhitelist,
		Recorder:     m,
	})
	if err != nil {
		return nil, fmt.Errorf("レート制限器の初期化に失敗: %w", err)
	}

	p, err := pipeline.New(pipeline.Config{
		Registry:          opts.Registry,
		Limiter:           limiter,
		Dispatcher:        proxy.New(proxy.Config{Timeout: settings.UpstreamTimeout, Recorder: m}),
		JWTSecret:         settings.JWTSecret,
		ExposeErrorDetail: settings.ExposeErrorDetail(),
	})
	if err != nil {
		return nil, fmt.Errorf("パイプラインの初期化に失敗: %w", err)
	}

	router := gin.New()
	// 予約パス以外は全てパイプラインで処理する
	router.RedirectTrailingSlash = false
	if err := router.SetTrustedProxies(settings.TrustedProxies); err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIESが不正です: %w", err)
	}

	logger := opts.Logger
	router.Use(middleware.Correlation(middleware.CorrelationConfig{Logger: &logger, Recorder: m}))
	router.Use(middleware.Recovery(settings.ExposeErrorDetail()))
	router.Use(middleware.CORS(settings.CORSAllowedOrigins))

	s := &Server{
		router:   router,
		settings: settings,
		limiter:  limiter,
		pipeline: p,
		metrics:  m,
		logger:   logger,
	}
	s.setupRoutes()

	return s, nil
}

// Handler はサーバーのhttp.Handlerを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はPORTでHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.settings.Port))
	if err != nil {
		return fmt.Errorf("ポート %d のリッスンに失敗: %w", s.settings.Port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve はlnでリクエストを受け付ける。
// ctxがキャンセルされると新規接続の受け付けを止め、SHUTDOWN_TIMEOUTまで処理中のリクエストを待つ。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("gateway listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTPサーバーが停止しました: %w", err)
	case <-ctx.Done():
	}

	timeout := s.settings.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info().Dur("timeout", timeout).Msg("shutting down gateway")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("グレースフルシャットダウンに失敗: %w", err)
	}
	return nil
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	// ヘルスチェック（パイプライン対象外）
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/health/live", s.handleHealth())
	s.router.GET("/health/ready", s.handleReady())

	s.router.GET("/metrics", s.handleMetrics())

	// 登録済みサービスへの転送
	s.router.NoRoute(s.pipeline.Handler())
}

// handleHealth はプロセスの生存を返すハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	}
}

// handleReady はカウンタストアへの疎通を含む準備状態を返すハンドラを返す。
// レート制限はストア障害時に許可するため、ストアに到達できなくても200を返す。
func (s *Server) handleReady() gin.HandlerFunc {
	return func(c *gin.Context) {
		store := "ok"
		if err := s.limiter.Ping(c.Request.Context()); err != nil {
			store = "unavailable"
			zerolog.Ctx(c.Request.Context()).Warn().Err(err).Msg("counter store unreachable")
		}
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"service":       "gateway",
			"counter_store": store,
		})
	}
}

// handleMetrics はPrometheus形式のメトリクスを返すハンドラを返す。
// 本番環境ではMETRICS_KEYによるBearer認証を要求する。
func (s *Server) handleMetrics() gin.HandlerFunc {
	h := s.metrics.Handler()
	return func(c *gin.Context) {
		if s.settings.IsProduction() {
			if err := checkMetricsKey(s.settings.MetricsKey, c.GetHeader("Authorization")); err != nil {
				apierror.Write(c, reqctx.From(c).CorrelationID, err, s.settings.ExposeErrorDetail())
				return
			}
		}
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// checkMetricsKey はAuthorizationヘッダーのクレデンシャルを定数時間で比較する。
func checkMetricsKey(key, header string) error {
	if header == "" {
		return apierror.Auth(apierror.CodeMissingToken, "メトリクスの参照には認証が必要です", nil)
	}
	credential, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || key == "" || subtle.ConstantTimeCompare([]byte(credential), []byte(key)) != 1 {
		return apierror.Auth(apierror.CodeInvalidToken, "メトリクスの認証情報が不正です", nil)
	}
	return nil
}
