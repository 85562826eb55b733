// Package pipeline はルーティング後にリクエストへ適用する処理ステージの列を提供する。
//
// ステージは resolve, identify, ratelimit, authenticate, authorize, dispatch の順に実行する。
// いずれかのステージがエラーを返した時点で処理を打ち切り、エラーエンベロープを返す。
// レート制限は認証より前に評価するため、identify は失敗しないステージとして
// 有効なトークンがある場合にのみプリンシパルを設定する。
package pipeline

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/internal/registry"
	"github.com/nao1215/edgegate/internal/reqctx"
	"github.com/nao1215/edgegate/pkg/apierror"
	"github.com/nao1215/edgegate/pkg/proxy"
	"github.com/nao1215/edgegate/pkg/ratelimit"
	"github.com/rs/zerolog"
)

// StageFunc は1つのステージの処理。
// 追加した情報を持つContextを返す。エラーを返した場合は後続のステージを実行しない。
type StageFunc func(c *gin.Context, rc reqctx.Context) (reqctx.Context, error)

// Stage は名前付きの処理ステージ。
type Stage struct {
	// Name はステージ名。ログに出力する。
	Name string
	// Run はステージの処理。
	Run StageFunc
}

// Config はPipelineの依存関係。
type Config struct {
	// Registry はサービスレジストリ。
	Registry *registry.Registry
	// Limiter はレート制限器。
	Limiter *ratelimit.Limiter
	// Dispatcher はバックエンドへの転送を行う。
	Dispatcher *proxy.Dispatcher
	// JWTSecret はトークン検証に使うシークレット。
	JWTSecret string
	// ExposeErrorDetail はエラーレスポンスにdetailとstackを含めるかどうか。
	ExposeErrorDetail bool
}

// Pipeline は順序付きのステージ列。
type Pipeline struct {
	stages []Stage
	expose bool
}

// New はPipelineを生成する。
func New(cfg Config) (*Pipeline, error) {
	var errs []error
	if cfg.Registry == nil {
		errs = append(errs, errors.New("サービスレジストリが指定されていません"))
	}
	if cfg.Limiter == nil {
		errs = append(errs, errors.New("レート制限器が指定されていません"))
	}
	if cfg.Dispatcher == nil {
		errs = append(errs, errors.New("ディスパッチャが指定されていません"))
	}
	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("JWTシークレットが指定されていません"))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	s := stages{
		registry:   cfg.Registry,
		limiter:    cfg.Limiter,
		dispatcher: cfg.Dispatcher,
		jwtSecret:  cfg.JWTSecret,
	}
	return &Pipeline{
		stages: []Stage{
			{Name: StageResolve, Run: s.resolve},
			{Name: StageIdentify, Run: s.identify},
			{Name: StageRateLimit, Run: s.rateLimit},
			{Name: StageAuthenticate, Run: s.authenticate},
			{Name: StageAuthorize, Run: s.authorize},
			{Name: StageDispatch, Run: s.dispatch},
		},
		expose: cfg.ExposeErrorDetail,
	}, nil
}

// Stages は実行順のステージ列の複製を返す。
func (p *Pipeline) Stages() []Stage {
	out := make([]Stage, len(p.stages))
	copy(out, p.stages)
	return out
}

// Handler はステージ列を実行するGinハンドラを返す。
// Correlationミドルウェアの後段に置くことを前提とする。
func (p *Pipeline) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := reqctx.From(c)
		logger := zerolog.Ctx(c.Request.Context())

		for _, stage := range p.stages {
			next, err := stage.Run(c, rc)
			if err != nil {
				reqctx.Store(c, next)
				p.fail(c, logger, stage.Name, next.CorrelationID, err)
				return
			}
			rc = next
			reqctx.Store(c, rc)
			if c.Writer.Written() {
				return
			}
		}
	}
}

// fail はステージの失敗をログに出力し、エラーエンベロープを書き込む。
func (p *Pipeline) fail(c *gin.Context, logger *zerolog.Logger, stage, correlationID string, err error) {
	apiErr := apierror.From(err)
	event := logger.Debug()
	if apiErr.Status() >= http.StatusInternalServerError {
		event = logger.Error()
		if apiErr.Kind == apierror.KindUnavailable {
			event = logger.Warn()
		}
	}
	event.Err(err).
		Str("stage", stage).
		Str("code", string(apiErr.Code)).
		Msg("pipeline stopped")

	apierror.Write(c, correlationID, err, p.expose)
}
