// Package gateway はAPI GatewayのHTTPサーバーを提供する。
//
// 外部からアクセス可能な唯一の入口であり、セキュリティの境界線として機能する。
// 相関ID、パニックリカバリ、CORSのミドルウェアを全リクエストに適用し、
// ヘルスチェックと/metrics以外のパスはパイプラインでサービスへ転送する。
package gateway
