// Package generator はアバター画像生成の公開窓口となるクライアントを提供します。
//
// Client はキャッシュアサイド方式で動作します。同じ属性のリクエストはキャッシュから
// ネットワークなしで返し、ミスした場合のみリトライ付きでリモートの生成サービスを呼び出します。
package generator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/shouni/avatar-image-kit/pkg/blobcache"
	"github.com/shouni/avatar-image-kit/pkg/domain"
	"github.com/shouni/avatar-image-kit/pkg/failure"
	"github.com/shouni/avatar-image-kit/pkg/imgutil"
	"github.com/shouni/avatar-image-kit/pkg/metrics"
	"github.com/shouni/avatar-image-kit/pkg/retry"
)

// Remote はリモートの画像生成サービスです。
// 返すエラーは生のままで構いません。分類は Client 側で一度だけ行います。
type Remote interface {
	Generate(ctx context.Context, req domain.GenerationRequest) (domain.Image, error)
}

// Client はキャッシュとリトライを組み合わせた画像生成クライアントです。
type Client struct {
	remote         Remote
	cache          *blobcache.Cache
	cachingEnabled bool
	policy         retry.Policy
	logger         *slog.Logger
	metrics        *metrics.Collector

	singleFlight bool
	group        singleflight.Group
	flightsMu    sync.Mutex
	flights      map[string]*flight
}

// Option は Client の設定を変更します。
type Option func(*Client)

// WithCache はキャッシュマネージャーを注入します。未設定の場合は常にリモートを呼び出します。
func WithCache(c *blobcache.Cache) Option {
	return func(cl *Client) { cl.cache = c }
}

// WithCachingEnabled はキャッシュ全体の有効・無効を切り替えます。デフォルトは有効です。
func WithCachingEnabled(enabled bool) Option {
	return func(cl *Client) { cl.cachingEnabled = enabled }
}

// WithPolicy はリトライポリシーを設定します。
func WithPolicy(p retry.Policy) Option {
	return func(cl *Client) { cl.policy = p }
}

// WithLogger はロガーを設定します。
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithMetrics はメトリクスの記録先を設定します。
func WithMetrics(m *metrics.Collector) Option {
	return func(cl *Client) { cl.metrics = m }
}

// WithSingleFlight は同じキーへの同時呼び出しを1回のリモート呼び出しにまとめます。デフォルトは無効です。
//
// まとめられた呼び出しは呼び出し元のキャンセルから切り離して実行され、進捗は参加中の全員に届きます。
// ある呼び出し元がキャンセルしても、他の呼び出し元の結果には影響しません。
func WithSingleFlight(enabled bool) Option {
	return func(cl *Client) { cl.singleFlight = enabled }
}

// New は依存関係を注入して Client を作成します。
func New(remote Remote, opts ...Option) (*Client, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote is required")
	}
	c := &Client{
		remote:         remote,
		cachingEnabled: true,
		policy:         retry.DefaultPolicy(),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Generate は req に対応する画像参照を返します。
//
// キャッシュにヒットした場合はネットワークを使わずにローカル参照を返します。
// ミスした場合はリトライ付きでリモートを呼び出し、結果をキャッシュしてから返します。
// キャッシュ層の失敗は致命的ではなく、ログに記録した上でリモート参照を返します。
// 返すエラーはすべて *failure.Error です。
func (c *Client) Generate(ctx context.Context, req domain.GenerationRequest, onStatus StatusFunc) (string, error) {
	start := time.Now()
	logger := c.logger.With("request_id", uuid.NewString())

	if err := req.Validate(); err != nil {
		c.metrics.Generation("error", time.Since(start))
		return "", failure.Classify(err)
	}

	shouldCache := c.cachingEnabled && c.cache != nil && req.CacheEnabled()
	key := req.CanonicalKey()
	logger = logger.With("key", key)

	if shouldCache {
		onStatus.emit(StatusCheckingCache)
		if ref, ok := c.cache.Get(ctx, key); ok {
			logger.InfoContext(ctx, "キャッシュから画像を返します")
			onStatus.emit(StatusServedFromCache)
			c.metrics.Generation("cache", time.Since(start))
			return ref, nil
		}
	}

	var (
		ref string
		err error
	)
	if shouldCache && c.singleFlight {
		ref, err = c.generateShared(ctx, logger, req, key, onStatus)
	} else {
		ref, err = c.generateAndStore(ctx, logger, req, key, shouldCache, onStatus)
	}
	if err != nil {
		c.metrics.Generation("error", time.Since(start))
		return "", err
	}

	onStatus.emit(StatusDone)
	c.metrics.Generation("remote", time.Since(start))
	return ref, nil
}

// generateShared は同じキーの呼び出しを1回にまとめて generateAndStore を実行します。
func (c *Client) generateShared(ctx context.Context, logger *slog.Logger, req domain.GenerationRequest, key string, onStatus StatusFunc) (string, error) {
	_, leave := c.joinFlight(key, onStatus)
	defer leave()

	ch := c.group.DoChan(key, func() (any, error) {
		// 実行中は flight を保持し、途中から参加した呼び出し元にも進捗を届ける
		fl, release := c.joinFlight(key, nil)
		defer release()
		return c.generateAndStore(context.WithoutCancel(ctx), logger, req, key, true, fl.emit)
	})

	select {
	case <-ctx.Done():
		return "", failure.Classify(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// generateAndStore はリモート呼び出しとキャッシュへの保存を行います。
func (c *Client) generateAndStore(ctx context.Context, logger *slog.Logger, req domain.GenerationRequest, key string, shouldCache bool, onStatus StatusFunc) (string, error) {
	onStatus.emit(StatusCallingRemote)
	logger.InfoContext(ctx, "リモートの生成サービスを呼び出します", "cache", shouldCache)

	img, err := retry.Do(ctx, c.policy, func(ctx context.Context) (domain.Image, error) {
		img, err := c.remote.Generate(ctx, req)
		if err == nil && img.IsEmpty() {
			err = failure.New(failure.KindUnknown, "生成サービスが画像を返しませんでした")
		}
		if err != nil {
			c.metrics.RemoteAttempt(string(failure.KindOf(err)))
			return domain.Image{}, err
		}
		c.metrics.RemoteAttempt("success")
		return img, nil
	}, retry.WithOnRetry(func(e retry.RetryEvent) {
		logger.WarnContext(ctx, "リモート呼び出しに失敗しました。再試行します",
			"attempt", e.Attempt+1,
			"delay", e.Delay,
			"kind", e.Err.Kind,
			"error", e.Err,
		)
		onStatus.emit(StatusRetrying(e.Attempt+1, c.policy.MaxRetries))
	}))
	if err != nil {
		logger.ErrorContext(ctx, "画像生成に失敗しました", "kind", failure.KindOf(err), "error", err)
		return "", err
	}

	if !shouldCache {
		return directRef(img), nil
	}

	onStatus.emit(StatusCachingResult)
	ref, err := c.cache.Set(ctx, key, toSource(img))
	if err != nil {
		logger.WarnContext(ctx, "キャッシュへの保存に失敗しました。リモートの参照を返します", "error", err)
	}
	if ref == "" {
		ref = directRef(img)
	}
	return ref, nil
}

// ClearCache はキャッシュのエントリをすべて削除します。キャッシュ未設定の場合は何もしません。
func (c *Client) ClearCache(ctx context.Context) error {
	if c.cache == nil {
		return nil
	}
	if err := c.cache.Clear(ctx); err != nil {
		return fmt.Errorf("キャッシュの削除に失敗しました: %w", err)
	}
	c.logger.InfoContext(ctx, "キャッシュを削除しました")
	return nil
}

// flight は同じキーの呼び出しに参加している StatusFunc の集合です。
type flight struct {
	mu   sync.Mutex
	next int
	subs map[int]StatusFunc
}

func (f *flight) emit(status string) {
	f.mu.Lock()
	subs := make([]StatusFunc, 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	for _, fn := range subs {
		fn.emit(status)
	}
}

// joinFlight は key の flight に onStatus を登録し、登録を外す関数を返します。
// 参加者がいなくなった flight は破棄されます。
func (c *Client) joinFlight(key string, onStatus StatusFunc) (*flight, func()) {
	c.flightsMu.Lock()
	defer c.flightsMu.Unlock()

	if c.flights == nil {
		c.flights = make(map[string]*flight)
	}
	fl, ok := c.flights[key]
	if !ok {
		fl = &flight{subs: make(map[int]StatusFunc)}
		c.flights[key] = fl
	}

	fl.mu.Lock()
	id := fl.next
	fl.next++
	fl.subs[id] = onStatus
	fl.mu.Unlock()

	return fl, func() {
		c.flightsMu.Lock()
		defer c.flightsMu.Unlock()

		fl.mu.Lock()
		delete(fl.subs, id)
		empty := len(fl.subs) == 0
		fl.mu.Unlock()

		if empty && c.flights[key] == fl {
			delete(c.flights, key)
		}
	}
}

func toSource(img domain.Image) blobcache.Source {
	if img.HasData() {
		return blobcache.FromBytes(img.Data, img.MimeType)
	}
	return blobcache.FromURL(img.URL)
}

// directRef はキャッシュを経由しない場合の参照です。インラインの画像は data URI にします。
func directRef(img domain.Image) string {
	if img.URL != "" {
		return img.URL
	}
	mimeType := img.MimeType
	if mimeType == "" {
		mimeType = imgutil.DetectMimeType(img.Data)
	}
	return imgutil.ToDataURI(mimeType, img.Data)
}
