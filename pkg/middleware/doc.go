// Package middleware はGatewayで使用するGinミドルウェアと認証処理を提供する。
//
// 相関IDの割り当てとアクセスログ、パニックリカバリ、CORS設定のミドルウェアと、
// JWTの検証およびロールによる認可を含む。
package middleware
