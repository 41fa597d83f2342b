package blobcache

import (
	"context"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
)

// Entry は1つのキャッシュキーに対応する永続化済みの画像です。
type Entry struct {
	Data     []byte
	MimeType string
	StoredAt time.Time
	// Path はディスク上に実体がある場合の絶対パスです。設定されている場合 Data は空のことがあります。
	Path string
}

// Store はキャッシュの永続化バックエンドです。実装は並行利用に安全でなければなりません。
type Store interface {
	// Load はキーに対応するエントリを返します。存在しない場合は ok=false でエラーはありません。
	Load(ctx context.Context, key string) (entry Entry, ok bool, err error)
	// PutIfAbsent はキーが未登録の場合のみ保存します。保存した場合 true を返します。
	// 書き込みはキー単位でアトミックであり、途中の状態が Load から見えることはありません。
	PutIfAbsent(ctx context.Context, key string, entry Entry) (stored bool, err error)
	// Clear はすべてのエントリを削除します。
	Clear(ctx context.Context) error
	// Close はバックエンドが保持するリソースを解放します。
	Close() error
}

// digest はキャッシュキー（正規化された JSON）をファイル名やRedisキーに使える固定長の16進文字列にします。
func digest(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
