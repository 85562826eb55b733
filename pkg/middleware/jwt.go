package middleware

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nao1215/edgegate/internal/reqctx"
	"github.com/nao1215/edgegate/pkg/apierror"
)

// tokenIssuer はGatewayが発行するトークンのiss。
const tokenIssuer = "edgegate"

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"userId"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Role はユーザーのロール。
	Role string `json:"role"`
}

// GenerateJWT はユーザー情報からHS256で署名したJWTトークンを生成する。
// 開発用トークンの発行とテストで使用する。
func GenerateJWT(secret, userID, email, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   userID,
		},
		UserID: userID,
		Email:  email,
		Role:   role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// Authenticate はAuthorizationヘッダーの値を検証してプリンシパルを返す。
// ヘッダーは "Bearer <token>" の2要素でなければならない。
// 失敗時は *apierror.Error（MISSING_TOKEN, INVALID_TOKEN, TOKEN_EXPIRED）を返す。
func Authenticate(secret, header string) (reqctx.Principal, error) {
	if header == "" {
		return reqctx.Principal{}, apierror.Auth(apierror.CodeMissingToken, "認証トークンが必要です", nil)
	}

	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return reqctx.Principal{}, apierror.Auth(apierror.CodeInvalidToken, "Bearer トークン形式が不正です", nil)
	}

	claims := &JWTClaims{}
	_, err := jwt.ParseWithClaims(parts[1], claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return reqctx.Principal{}, apierror.Auth(apierror.CodeTokenExpired, "トークンの有効期限が切れています", err)
		}
		return reqctx.Principal{}, apierror.Auth(apierror.CodeInvalidToken, "トークンが無効です", err)
	}
	if claims.UserID == "" {
		return reqctx.Principal{}, apierror.Auth(apierror.CodeInvalidToken, "トークンが無効です", errors.New("userIdクレームがありません"))
	}

	return reqctx.Principal{
		UserID: claims.UserID,
		Email:  claims.Email,
		Role:   claims.Role,
	}, nil
}

// RequireRole はプリンシパルのロールが許可されたロールに含まれるかを検証する。
// プリンシパルがnilの場合も拒否する。
func RequireRole(principal *reqctx.Principal, allowed ...string) error {
	if principal == nil {
		return apierror.Forbidden("このリソースへのアクセス権限がありません")
	}
	if !slices.Contains(allowed, principal.Role) {
		return apierror.Forbidden("このリソースへのアクセス権限がありません")
	}
	return nil
}
