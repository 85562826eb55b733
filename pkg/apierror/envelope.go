package apierror

import (
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Envelope は非2xxレスポンスで返す唯一のJSON形式。
type Envelope struct {
	// Error は常にtrue。
	Error bool `json:"error"`
	// Code はエラーコード。
	Code Code `json:"code"`
	// Message はクライアント向けメッセージ。
	Message string `json:"message"`
	// CorrelationID はリクエストの相関ID。
	CorrelationID string `json:"correlationId"`
	// RetryAfterSeconds はレート制限時のみ設定される再試行までの秒数。
	RetryAfterSeconds *int `json:"retryAfterSeconds,omitempty"`
	// Detail は非本番環境でのみ設定される原因エラーの文字列。
	Detail string `json:"detail,omitempty"`
	// Stack は非本番環境でのみ設定されるスタックトレース。
	Stack string `json:"stack,omitempty"`
}

// Normalize はエラーをHTTPステータスコードとエンベロープに変換する。
// exposeがfalseの場合、detailとstackは出力しない。
func Normalize(err error, correlationID string, expose bool) (int, Envelope) {
	apiErr := From(err)

	env := Envelope{
		Error:         true,
		Code:          apiErr.Code,
		Message:       apiErr.Message,
		CorrelationID: correlationID,
	}
	if apiErr.Kind == KindRateLimit {
		secs := RetryAfterSeconds(apiErr.RetryAfter)
		env.RetryAfterSeconds = &secs
	}
	if expose {
		if apiErr.Err != nil {
			env.Detail = apiErr.Err.Error()
		}
		env.Stack = apiErr.Stack
	}
	return apiErr.Status(), env
}

// RetryAfterSeconds は再試行までの時間を秒に切り上げる。最小値は1秒。
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Write はエラーを正規化してレスポンスを確定し、後続のハンドラを中断する。
// 失敗レスポンスを書き込むのはこの関数だけである。
func Write(c *gin.Context, correlationID string, err error, expose bool) {
	status, env := Normalize(err, correlationID, expose)
	if env.RetryAfterSeconds != nil {
		c.Header("Retry-After", strconv.Itoa(*env.RetryAfterSeconds))
	}
	c.AbortWithStatusJSON(status, env)
}
