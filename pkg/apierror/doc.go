// Package apierror はGatewayが返す全ての失敗レスポンスを単一のエラーエンベロープに正規化する。
//
// 各パイプラインステージは型付きの *Error を返すだけで、レスポンスボディを直接書き込まない。
// Write が唯一の終端シンクとして、エラーをHTTPステータスコードとエンベロープに変換する。
// 本番環境では code・message・correlationId 以外の内部情報を出力しない。
package apierror
