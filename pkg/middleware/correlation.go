package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nao1215/edgegate/internal/reqctx"
	"github.com/rs/zerolog"
)

const (
	// HeaderCorrelationID はリクエストの相関IDを伝播するヘッダー。
	HeaderCorrelationID = "X-Correlation-ID"
	// HeaderRequestID はX-Correlation-IDが無い場合に参照する代替ヘッダー。
	HeaderRequestID = "X-Request-ID"
)

// maxCorrelationIDLength は受け入れる相関IDの最大長。
const maxCorrelationIDLength = 128

// RequestRecorder はリクエスト単位のメトリクスを記録する。
type RequestRecorder interface {
	// RequestStarted は処理開始を記録する。
	RequestStarted()
	// RequestFinished は処理完了を記録する。
	RequestFinished(service, method string, status int, elapsed time.Duration)
}

// CorrelationConfig はCorrelationミドルウェアの設定。
type CorrelationConfig struct {
	// Logger はベースとなるロガー。nilの場合はログを出力しない。
	Logger *zerolog.Logger
	// Recorder はメトリクスの記録先。nilの場合は記録しない。
	Recorder RequestRecorder
}

// Correlation はリクエストに相関IDを割り当てるGinミドルウェアを返す。
//
// X-Correlation-ID、次いでX-Request-IDを参照し、妥当な値が無ければUUIDを生成する。
// 相関IDは後続の処理より前にレスポンスヘッダーへ設定する。
// 相関IDを持つロガーをリクエストのcontext.Contextに格納し、開始と完了をログに出力する。
func Correlation(cfg CorrelationConfig) gin.HandlerFunc {
	base := zerolog.Nop()
	if cfg.Logger != nil {
		base = *cfg.Logger
	}

	return func(c *gin.Context) {
		start := time.Now()
		id := correlationIDFrom(c.Request.Header)

		c.Header(HeaderCorrelationID, id)
		reqctx.Store(c, reqctx.New(id, start))

		logger := base.With().Str("correlation_id", id).Logger()
		c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))

		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Msg("request started")

		if cfg.Recorder != nil {
			cfg.Recorder.RequestStarted()
		}
		// http.ErrAbortHandlerで中断された場合も完了を記録する
		defer finish(c, cfg.Recorder, logger, start)

		c.Next()
	}
}

// finish は完了したリクエストのメトリクスとログを記録する。
func finish(c *gin.Context, recorder RequestRecorder, logger zerolog.Logger, start time.Time) {
	rc := reqctx.From(c)
	status := c.Writer.Status()
	elapsed := time.Since(start)

	if recorder != nil {
		recorder.RequestFinished(rc.ServiceName(), c.Request.Method, status, elapsed)
	}

	event := logger.Info()
	switch {
	case status >= http.StatusInternalServerError:
		event = logger.Error()
	case status >= http.StatusBadRequest:
		event = logger.Warn()
	}
	event = event.
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", status).
		Int64("elapsed_ms", elapsed.Milliseconds())
	if svc := rc.ServiceName(); svc != "" {
		event = event.Str("service", svc)
	}
	if uid := rc.UserID(); uid != "" {
		event = event.Str("user_id", uid).Str("role", rc.Role())
	}
	event.Msg("request completed")
}

// correlationIDFrom はヘッダーから相関IDを取り出す。妥当な値が無ければ新たに生成する。
func correlationIDFrom(h http.Header) string {
	for _, key := range []string{HeaderCorrelationID, HeaderRequestID} {
		if id := h.Get(key); ValidCorrelationID(id) {
			return id
		}
	}
	return uuid.New().String()
}

// ValidCorrelationID は相関IDとして受け入れられる値かどうかを判定する。
// 1〜128文字の英数字と "._:-" のみを許可する。
func ValidCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		ch := id[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '.', ch == '_', ch == ':', ch == '-':
		default:
			return false
		}
	}
	return true
}
