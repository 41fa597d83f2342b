// Package blobcache は生成済み画像のキャッシュアサイド用ストレージを提供します。
//
// キャッシュはあくまで性能最適化であり、ストレージ層の失敗は呼び出し元に対して
// ミス（Get）または劣化したフォールバック（Set）として扱われます。
package blobcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"time"

	"github.com/shouni/avatar-image-kit/pkg/imgutil"
	"github.com/shouni/avatar-image-kit/pkg/metrics"
)

// Source は Set に渡す値です。Data（生のバイト列）か URL（リモート参照）のどちらかを指定します。
type Source struct {
	Data     []byte
	MimeType string
	URL      string
}

// FromBytes は生のバイト列から Source を作成します。
func FromBytes(data []byte, mimeType string) Source {
	return Source{Data: data, MimeType: mimeType}
}

// FromURL はリモート参照から Source を作成します。保存時に取得されます。
func FromURL(ref string) Source {
	return Source{URL: ref}
}

// fallback は保存に失敗した場合に呼び出し元へ返す参照です。
func (s Source) fallback() string {
	if s.URL != "" {
		return s.URL
	}
	if len(s.Data) > 0 {
		return imgutil.ToDataURI(s.MimeType, s.Data)
	}
	return ""
}

// Cache は Store の上に、ローカル参照の生成・リモート参照の取得・失敗時の劣化動作を載せたマネージャーです。
type Cache struct {
	store   Store
	fetcher Fetcher
	logger  *slog.Logger
	metrics *metrics.Collector
}

// Option は Cache の設定を変更します。
type Option func(*Cache)

// WithFetcher はリモート参照の取得に使う Fetcher を設定します。
// 未設定の場合、data URI 以外のリモート参照は保存できず、元の参照がそのまま返ります。
func WithFetcher(f Fetcher) Option {
	return func(c *Cache) { c.fetcher = f }
}

// WithLogger はロガーを設定します。
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithMetrics はメトリクスの記録先を設定します。
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Cache) { c.metrics = m }
}

// New は store を利用する Cache を作成します。
func New(store Store, opts ...Option) (*Cache, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	c := &Cache{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get はキーに対応するローカル参照を返します。ミスの場合 ok=false です。
// ストレージ層の失敗はログに記録してミスとして扱い、エラーは返しません。
func (c *Cache) Get(ctx context.Context, key string) (ref string, ok bool) {
	entry, found, err := c.store.Load(ctx, key)
	if err != nil {
		c.logger.WarnContext(ctx, "キャッシュの読み込みに失敗しました。ミスとして扱います", "error", err)
		c.metrics.CacheError("get")
		c.metrics.CacheLookup(false)
		return "", false
	}
	if !found {
		c.metrics.CacheLookup(false)
		return "", false
	}

	ref = localRef(entry)
	if ref == "" {
		c.logger.WarnContext(ctx, "キャッシュエントリが空です。ミスとして扱います")
		c.metrics.CacheError("get")
		c.metrics.CacheLookup(false)
		return "", false
	}
	c.metrics.CacheLookup(true)
	return ref, true
}

// Set は src を key に保存し、ネットワークなしで利用できるローカル参照を返します。
//
// 既にエントリがある場合は上書きせず、既存の参照を返します。
// 取得や保存に失敗した場合は、元のリモート参照（バイト列の場合は data URI）とエラーを返します。
// 呼び出し元は err を記録するだけで、返された参照をそのまま利用できます。
func (c *Cache) Set(ctx context.Context, key string, src Source) (string, error) {
	if existing, found, err := c.store.Load(ctx, key); err == nil && found {
		if ref := localRef(existing); ref != "" {
			return ref, nil
		}
	}

	data, err := c.resolve(ctx, src)
	if err != nil {
		c.metrics.CacheError("fetch")
		return src.fallback(), err
	}

	mimeType := src.MimeType
	if mimeType == "" {
		mimeType = imgutil.DetectMimeType(data)
	}
	if !imgutil.IsImage(mimeType) {
		c.metrics.CacheError("set")
		return src.fallback(), fmt.Errorf("画像ではないデータは保存できません (mime: %s)", mimeType)
	}

	entry := Entry{Data: data, MimeType: mimeType, StoredAt: time.Now()}
	if _, err := c.store.PutIfAbsent(ctx, key, entry); err != nil {
		c.metrics.CacheError("set")
		return src.fallback(), fmt.Errorf("キャッシュの保存に失敗しました: %w", err)
	}

	// 書き込み直後の読み込みで参照を作り、以降の Get と同じ値を返す
	stored, found, err := c.store.Load(ctx, key)
	switch {
	case err != nil:
		c.metrics.CacheError("get")
		return src.fallback(), fmt.Errorf("保存直後の読み込みに失敗しました: %w", err)
	case !found:
		// 並行した Clear で消えた場合
		return src.fallback(), errors.New("保存直後にエントリが見つかりませんでした")
	}
	return localRef(stored), nil
}

// Clear はすべてのエントリを削除します。
func (c *Cache) Clear(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		c.metrics.CacheError("clear")
		return err
	}
	return nil
}

// Close は Store を閉じます。
func (c *Cache) Close() error {
	return c.store.Close()
}

func (c *Cache) resolve(ctx context.Context, src Source) ([]byte, error) {
	if len(src.Data) > 0 {
		return src.Data, nil
	}
	if src.URL == "" {
		return nil, errors.New("保存する画像が指定されていません")
	}
	if c.fetcher == nil {
		if _, data, err := imgutil.ParseDataURI(src.URL); err == nil {
			return data, nil
		}
		return nil, fmt.Errorf("リモート参照を取得する Fetcher が設定されていません: %s", src.URL)
	}

	data, err := c.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		return nil, fmt.Errorf("リモート画像の取得に失敗しました: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("リモート画像が空でした")
	}
	return data, nil
}

// localRef はエントリからネットワーク不要の参照を作ります。
// ディスク上に実体があれば file:// URI、それ以外は data URI です。
func localRef(e Entry) string {
	if e.Path != "" {
		u := url.URL{Scheme: "file", Path: filepath.ToSlash(e.Path)}
		return u.String()
	}
	if len(e.Data) == 0 {
		return ""
	}
	return imgutil.ToDataURI(e.MimeType, e.Data)
}
