// Package ratelimit は外部カウンタストアを用いた固定ウィンドウ方式のレート制限を提供する。
//
// カウンタはRedisまたはSQLiteに保持し、複数のGatewayインスタンスで共有できる。
// ストアに障害が発生した場合はリクエストを許可する（フェイルオープン）。
package ratelimit

import (
	"context"
	"time"
)

// Store はレート制限カウンタを保持する外部ストア。
type Store interface {
	// Increment はkeyのカウンタを1増やし、増加後の値とウィンドウ終了までの残り時間を返す。
	// カウンタが存在しないか期限切れの場合はwindowを有効期限とする新しいカウンタを作る。
	// 増加と有効期限の設定は不可分に行われなければならない。
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
	// Ping はストアへの疎通を確認する。
	Ping(ctx context.Context) error
}
