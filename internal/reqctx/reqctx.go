// Package reqctx はリクエスト1件の処理中に各ステージへ受け渡すコンテキスト値を提供する。
//
// Context は不変の値であり、ステージはWithPrincipal等で複製を返して情報を追加する。
// ステージ間で共有する可変状態は持たない。
package reqctx

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/internal/registry"
)

// ginKey はGinコンテキストにContextを保存する際のキー。
const ginKey = "edgegate.reqctx"

// Principal はJWTから復元した認証済みの呼び出し元。
type Principal struct {
	// UserID はユーザーの一意識別子。
	UserID string
	// Email はユーザーのメールアドレス。ログには出力しない。
	Email string
	// Role はユーザーのロール。
	Role string
}

// Context はリクエスト単位の処理コンテキスト。
type Context struct {
	// CorrelationID はリクエストの相関ID。
	CorrelationID string
	// StartTime はGatewayがリクエストを受け付けた時刻。
	StartTime time.Time
	// Principal は認証済みの呼び出し元。未認証の場合はnil。
	Principal *Principal
	// Service はルーティングで解決したサービス。未解決の場合はnil。
	Service *registry.ServiceDescriptor
}

// New は相関IDと受付時刻からContextを生成する。
func New(correlationID string, start time.Time) Context {
	return Context{CorrelationID: correlationID, StartTime: start}
}

// WithPrincipal はプリンシパルを設定した複製を返す。
func (rc Context) WithPrincipal(p Principal) Context {
	rc.Principal = &p
	return rc
}

// WithService はサービスを設定した複製を返す。
func (rc Context) WithService(svc registry.ServiceDescriptor) Context {
	rc.Service = &svc
	return rc
}

// UserID はプリンシパルのユーザーIDを返す。未認証の場合は空文字列。
func (rc Context) UserID() string {
	if rc.Principal == nil {
		return ""
	}
	return rc.Principal.UserID
}

// Role はプリンシパルのロールを返す。未認証の場合は空文字列。
func (rc Context) Role() string {
	if rc.Principal == nil {
		return ""
	}
	return rc.Principal.Role
}

// ServiceName は解決済みサービスの名前を返す。未解決の場合は空文字列。
func (rc Context) ServiceName() string {
	if rc.Service == nil {
		return ""
	}
	return rc.Service.Name
}

// Elapsed は受付からの経過時間を返す。
func (rc Context) Elapsed() time.Duration {
	return time.Since(rc.StartTime)
}

// Store はGinコンテキストにContextを保存する。
func Store(c *gin.Context, rc Context) {
	c.Set(ginKey, rc)
}

// From はGinコンテキストからContextを取得する。
// 未保存の場合は受付時刻のみを持つContextを返す。
func From(c *gin.Context) Context {
	if v, ok := c.Get(ginKey); ok {
		if rc, ok := v.(Context); ok {
			return rc
		}
	}
	return Context{StartTime: time.Now()}
}
