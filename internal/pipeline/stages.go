package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/internal/registry"
	"github.com/nao1215/edgegate/internal/reqctx"
	"github.com/nao1215/edgegate/pkg/apierror"
	"github.com/nao1215/edgegate/pkg/middleware"
	"github.com/nao1215/edgegate/pkg/proxy"
	"github.com/nao1215/edgegate/pkg/ratelimit"
	"github.com/rs/zerolog"
)

// ステージ名。
const (
	StageResolve      = "resolve"
	StageIdentify     = "identify"
	StageRateLimit    = "ratelimit"
	StageAuthenticate = "authenticate"
	StageAuthorize    = "authorize"
	StageDispatch     = "dispatch"
)

// errUnresolved はサービス未解決のままresolve以降のステージが呼ばれたことを表す。
var errUnresolved = errors.New("サービスが解決されていません")

// stages は各ステージの実装が共有する依存関係。
type stages struct {
	registry   *registry.Registry
	limiter    *ratelimit.Limiter
	dispatcher *proxy.Dispatcher
	jwtSecret  string
}

// resolve はパスに最長一致するサービスを解決する。
// . や .. のセグメントを含むパスは照合せずに拒否する。
func (s stages) resolve(c *gin.Context, rc reqctx.Context) (reqctx.Context, error) {
	path := c.Request.URL.Path
	if hasDotSegment(path) {
		return rc, apierror.Validation("パスに . または .. のセグメントは使用できません", nil)
	}
	svc, ok := s.registry.Lookup(path)
	if !ok {
		return rc, apierror.ServiceNotFound(path)
	}
	return rc.WithService(svc), nil
}

// hasDotSegment はデコード済みのパスに . または .. のセグメントがあるかを返す。
func hasDotSegment(path string) bool {
	for _, seg := range strings.Split(path, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// identify は有効なトークンがあればプリンシパルを設定する。
// トークンが無い、または無効な場合も失敗しない。拒否はauthenticateが行う。
func (s stages) identify(c *gin.Context, rc reqctx.Context) (reqctx.Context, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return rc, nil
	}
	principal, err := middleware.Authenticate(s.jwtSecret, header)
	if err != nil {
		zerolog.Ctx(c.Request.Context()).Debug().Err(err).Msg("token not accepted")
		return rc, nil
	}
	return rc.WithPrincipal(principal), nil
}

// rateLimit はサービスのティアに従ってリクエストをカウントする。
// カウンタストアの障害時は許可する。
func (s stages) rateLimit(c *gin.Context, rc reqctx.Context) (reqctx.Context, error) {
	if rc.Service == nil {
		return rc, apierror.Internal(errUnresolved)
	}
	tier, ok := s.registry.Tier(rc.Service.RateTier)
	if !ok {
		return rc, apierror.Internal(fmt.Errorf("ティア %q が定義されていません", rc.Service.RateTier))
	}

	d, err := s.limiter.Check(c.Request.Context(), ratelimit.Request{
		Path:     c.Request.URL.Path,
		ClientIP: c.ClientIP(),
		UserID:   rc.UserID(),
		Role:     rc.Role(),
		Policy: ratelimit.Policy{
			Tier:        string(tier.ID),
			Window:      tier.Window,
			MaxRequests: tier.MaxRequests,
		},
	})
	if err != nil {
		return rc, apierror.Internal(err)
	}

	ratelimit.SetHeaders(c.Writer.Header(), d)
	if !d.Allowed {
		return rc, apierror.RateLimited(tier.RejectionMessage, d.RetryAfter)
	}
	return rc, nil
}

// authenticate は認証必須のサービスでプリンシパルを要求する。
func (s stages) authenticate(c *gin.Context, rc reqctx.Context) (reqctx.Context, error) {
	if rc.Service == nil {
		return rc, apierror.Internal(errUnresolved)
	}
	if !rc.Service.RequiresAuth || rc.Principal != nil {
		return rc, nil
	}
	// identifyで受理されなかったトークンを再検証し、正確なエラーコードを返す
	principal, err := middleware.Authenticate(s.jwtSecret, c.GetHeader("Authorization"))
	if err != nil {
		return rc, err
	}
	return rc.WithPrincipal(principal), nil
}

// authorize はサービスに許可ロールが設定されている場合にロールを検証する。
// プリンシパルが無い場合は拒否する。
func (s stages) authorize(_ *gin.Context, rc reqctx.Context) (reqctx.Context, error) {
	if rc.Service == nil {
		return rc, apierror.Internal(errUnresolved)
	}
	if len(rc.Service.AllowedRoles) == 0 {
		return rc, nil
	}
	if err := middleware.RequireRole(rc.Principal, rc.Service.AllowedRoles...); err != nil {
		return rc, err
	}
	return rc, nil
}

// dispatch はリクエストをバックエンドへ転送してレスポンスを書き込む。
func (s stages) dispatch(c *gin.Context, rc reqctx.Context) (reqctx.Context, error) {
	if rc.Service == nil {
		return rc, apierror.Internal(errUnresolved)
	}
	svc := rc.Service

	err := s.dispatcher.Dispatch(c.Writer, c.Request,
		proxy.Target{Name: svc.Name, BackendURL: svc.BackendURL, PathPrefix: svc.PathPrefix},
		proxy.Identity{CorrelationID: rc.CorrelationID, UserID: rc.UserID(), Role: rc.Role()})
	if err != nil {
		return rc, err
	}
	// ボディが空の応答でもバックエンドのステータスを確定させる
	c.Writer.WriteHeaderNow()
	return rc, nil
}
