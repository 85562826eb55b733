package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind はエラーの分類を表す。HTTPステータスコードはKindから決定される。
type Kind int

const (
	// KindInternal は予期しない内部エラーを表す。
	KindInternal Kind = iota
	// KindAuth は認証の失敗を表す。
	KindAuth
	// KindForbidden はロールによる認可の失敗を表す。
	KindForbidden
	// KindValidation はリクエスト形式の不備を表す。
	KindValidation
	// KindNotFound は対象リソース（サービス）が存在しないことを表す。
	KindNotFound
	// KindRateLimit はレート制限の超過を表す。
	KindRateLimit
	// KindUnavailable はバックエンドサービスへの到達失敗を表す。
	KindUnavailable
)

// Code はクライアントに返すエラーコード。
type Code string

const (
	// CodeMissingToken はAuthorizationヘッダーが存在しないことを表す。
	CodeMissingToken Code = "MISSING_TOKEN"
	// CodeInvalidToken はトークンの形式・署名・クレームが不正であることを表す。
	CodeInvalidToken Code = "INVALID_TOKEN"
	// CodeTokenExpired はトークンの有効期限切れを表す。
	CodeTokenExpired Code = "TOKEN_EXPIRED"
	// CodeForbidden はロールが許可されていないことを表す。
	CodeForbidden Code = "FORBIDDEN"
	// CodeRateLimitExceeded はレート制限超過を表す。
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	// CodeServiceNotFound はパスに対応するサービスが登録されていないことを表す。
	CodeServiceNotFound Code = "SERVICE_NOT_FOUND"
	// CodeServiceUnavailable はバックエンドのタイムアウトまたは接続失敗を表す。
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	// CodeValidation はリクエストの検証エラーを表す。
	CodeValidation Code = "VALIDATION_ERROR"
	// CodeNotFound は汎用の404を表す。
	CodeNotFound Code = "NOT_FOUND"
	// CodeInternal は内部エラーを表す。
	CodeInternal Code = "INTERNAL_ERROR"
)

// internalMessage は内部エラー時にクライアントへ返す汎用メッセージ。
const internalMessage = "内部サーバーエラーが発生しました"

// Error はGatewayの型付きエラー。
type Error struct {
	// Kind はエラーの分類。
	Kind Kind
	// Code はクライアントに返すエラーコード。
	Code Code
	// Message はクライアントに返すメッセージ。
	Message string
	// RetryAfter はレート制限時に再試行可能になるまでの時間。
	RetryAfter time.Duration
	// Err は原因となったエラー。ログと非本番環境のdetailにのみ出力する。
	Err error
	// Stack はパニック時のスタックトレース。
	Stack string
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap は原因となったエラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// Status はKindに対応するHTTPステータスコードを返す。
func (e *Error) Status() int {
	switch e.Kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Auth は認証エラーを生成する。
func Auth(code Code, message string, err error) *Error {
	return &Error{Kind: KindAuth, Code: code, Message: message, Err: err}
}

// Forbidden はロールによる認可エラーを生成する。
func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Code: CodeForbidden, Message: message}
}

// Validation はリクエストの検証エラーを生成する。
func Validation(message string, err error) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: message, Err: err}
}

// NotFound は汎用の404エラーを生成する。
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: message}
}

// ServiceNotFound はパスに一致するサービスが無い場合のエラーを生成する。
func ServiceNotFound(path string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Code:    CodeServiceNotFound,
		Message: fmt.Sprintf("パス %s に対応するサービスがありません", path),
	}
}

// RateLimited はレート制限超過エラーを生成する。
func RateLimited(message string, retryAfter time.Duration) *Error {
	if message == "" {
		message = "リクエスト数の上限を超えました。しばらくしてから再試行してください"
	}
	return &Error{Kind: KindRateLimit, Code: CodeRateLimitExceeded, Message: message, RetryAfter: retryAfter}
}

// ServiceUnavailable はバックエンドへの到達失敗エラーを生成する。
func ServiceUnavailable(service string, err error) *Error {
	return &Error{
		Kind:    KindUnavailable,
		Code:    CodeServiceUnavailable,
		Message: fmt.Sprintf("サービス %s に接続できません", service),
		Err:     err,
	}
}

// Internal は内部エラーを生成する。メッセージは常に汎用文言となる。
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: internalMessage, Err: err}
}

// From は任意のerrorを *Error に変換する。
// 型付きエラーでない場合は内部エラーとして扱う。
func From(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal(err)
}
