package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edgegate/internal/reqctx"
	"github.com/nao1215/edgegate/pkg/apierror"
	"github.com/rs/zerolog"
)

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// パニック発生時はスタックトレースをログに出力し、500のエラーエンベロープを返す。
// exposeがtrueの場合のみ、エンベロープにdetailとstackを含める。
func Recovery(expose bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			// クライアント切断によるhttp.ErrAbortHandlerはそのまま伝播させる
			if r == http.ErrAbortHandler { //nolint:errorlint
				panic(r)
			}

			stack := string(debug.Stack())
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}

			rc := reqctx.From(c)
			zerolog.Ctx(c.Request.Context()).Error().
				Err(err).
				Str("method", c.Request.Method).
				Str("path", c.Request.URL.Path).
				Str("stack", stack).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.Abort()
				return
			}

			apiErr := apierror.Internal(fmt.Errorf("panic: %w", err))
			apiErr.Stack = stack
			apierror.Write(c, rc.CorrelationID, apiErr, expose)
		}()
		c.Next()
	}
}
