package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shouni/go-http-kit/pkg/httpkit"
	"github.com/shouni/go-remote-io/pkg/gcsfactory"

	"github.com/shouni/avatar-image-kit/internal/config"
	"github.com/shouni/avatar-image-kit/pkg/adapters"
	"github.com/shouni/avatar-image-kit/pkg/blobcache"
	"github.com/shouni/avatar-image-kit/pkg/generator"
	"github.com/shouni/avatar-image-kit/pkg/metrics"
)

// 画像参照のダウンロードは生成の再試行とは別に1回だけ再試行する
const (
	fetchRetries       = 1
	fetchRetryInterval = 500 * time.Millisecond
)

// app は設定から組み立てたクライアントと、その後始末に必要なものをまとめます。
type app struct {
	client   *generator.Client
	cache    *blobcache.Cache
	registry *prometheus.Registry
	textfile string
	closers  []io.Closer
}

// newApp は設定に従ってストア・リモート・クライアントを組み立てます。
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{registry: prometheus.NewRegistry(), textfile: cfg.Metrics.TextFile}
	if err := a.build(ctx, cfg, logger); err != nil {
		return nil, errors.Join(err, a.closeAll())
	}
	return a, nil
}

func (a *app) build(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	collector := metrics.New(a.registry)

	fetcher, err := a.newFetcher(ctx, cfg.Remote)
	if err != nil {
		return err
	}

	remote, err := newRemote(ctx, cfg.Remote, fetcher, logger)
	if err != nil {
		return err
	}

	store, err := newStore(cfg.Cache)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, store)

	a.cache, err = blobcache.New(store,
		blobcache.WithFetcher(fetcher),
		blobcache.WithLogger(logger),
		blobcache.WithMetrics(collector),
	)
	if err != nil {
		return err
	}

	a.client, err = generator.New(remote,
		generator.WithCache(a.cache),
		generator.WithCachingEnabled(cfg.CachingEnabled()),
		generator.WithPolicy(cfg.RetryPolicy()),
		generator.WithLogger(logger),
		generator.WithMetrics(collector),
		generator.WithSingleFlight(cfg.Cache.SingleFlight),
	)
	return err
}

// newFetcher は画像参照の取得に使う Fetcher を作成します。
// HTTP(S) は httpkit、gs:// は設定があれば go-remote-io の GCS リーダーで取得します。
func (a *app) newFetcher(ctx context.Context, cfg config.RemoteConfig) (*blobcache.RemoteFetcher, error) {
	httpClient := httpkit.New(cfg.Timeout,
		httpkit.WithSkipNetworkValidation(cfg.AllowPrivateNetworks),
		httpkit.WithMaxRetries(fetchRetries),
		httpkit.WithInitialInterval(fetchRetryInterval),
		httpkit.WithMaxInterval(fetchRetryInterval),
	)
	opts := []blobcache.FetcherOption{blobcache.WithPrivateNetworks(cfg.AllowPrivateNetworks)}

	if cfg.GCS {
		factory, err := gcsfactory.New(ctx)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, factory)

		reader, err := factory.InputReader()
		if err != nil {
			return nil, fmt.Errorf("GCSリーダーの作成に失敗しました: %w", err)
		}
		opts = append(opts, blobcache.WithObjectReader(reader))
	}
	return blobcache.NewRemoteFetcher(httpClient, opts...)
}

func newRemote(ctx context.Context, cfg config.RemoteConfig, fetcher blobcache.Fetcher, logger *slog.Logger) (generator.Remote, error) {
	switch cfg.Provider {
	case config.ProviderHTTP:
		// エンドポイントは利用者が設定するため SSRF 検証の対象外とし、再試行は generator に任せる
		return adapters.NewHTTPEndpoint(cfg.Endpoint,
			adapters.WithAPIKey(cfg.APIKey),
			adapters.WithHTTPClient(httpkit.New(cfg.Timeout, httpkit.WithSkipNetworkValidation(true))),
		)
	case config.ProviderOpenAI:
		return adapters.NewOpenAIAdapter(adapters.NewOpenAIClient(cfg.APIKey, cfg.BaseURL), cfg.Model)
	case config.ProviderGemini:
		client, err := adapters.NewGeminiClient(ctx, cfg.APIKey)
		if err != nil {
			return nil, err
		}
		opts := []adapters.GeminiOption{adapters.WithGeminiLogger(logger)}
		if cfg.SystemPrompt != "" {
			opts = append(opts, adapters.WithSystemPrompt(cfg.SystemPrompt))
		}
		if cfg.ReferenceImage != "" {
			opts = append(opts, adapters.WithStyleReference(cfg.ReferenceImage, fetcher))
		}
		return adapters.NewGeminiAdapter(client, cfg.Model, opts...)
	default:
		return nil, fmt.Errorf("未対応の remote.provider です: %q", cfg.Provider)
	}
}

func newStore(cfg config.CacheConfig) (blobcache.Store, error) {
	switch cfg.Backend {
	case config.BackendDisk:
		return blobcache.NewDiskStore(cfg.Dir)
	case config.BackendSQLite:
		return blobcache.NewSQLiteStore(cfg.SQLitePath)
	case config.BackendRedis:
		return blobcache.NewRedisStore(blobcache.RedisConfig{
			URL:      cfg.Redis.URL,
			Password: cfg.Redis.Password,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
		})
	case config.BackendMemory:
		return blobcache.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("未対応の cache.backend です: %q", cfg.Backend)
	}
}

// Close は設定があればメトリクスをテキストファイルに書き出し、ストアなどを閉じます。
func (a *app) Close() error {
	var errs []error
	if a.textfile != "" {
		if err := prometheus.WriteToTextfile(a.textfile, a.registry); err != nil {
			errs = append(errs, fmt.Errorf("メトリクスの書き出しに失敗しました: %w", err))
		}
	}
	return errors.Join(append(errs, a.closeAll())...)
}

// closeAll は作成した順と逆順に閉じます。ストアは Cache を通さずここで閉じます。
func (a *app) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
