package generator

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shouni/avatar-image-kit/pkg/blobcache"
	"github.com/shouni/avatar-image-kit/pkg/domain"
	"github.com/shouni/avatar-image-kit/pkg/failure"
	"github.com/shouni/avatar-image-kit/pkg/metrics"
)

func newClient(t *testing.T, remote Remote, store blobcache.Store, opts ...Option) *Client {
	t.Helper()
	cache, err := blobcache.New(store)
	require.NoError(t, err)

	opts = append([]Option{WithCache(cache), WithPolicy(fastPolicy())}, opts...)
	c, err := New(remote, opts...)
	require.NoError(t, err)
	return c
}

func scenarioRequest() domain.GenerationRequest {
	return domain.GenerationRequest{
		Gender:      "female",
		HairStyle:   "bob",
		HairColor:   "blonde",
		Transparent: true,
	}
}

func TestClient_Generate_Cache(t *testing.T) {
	ctx := context.Background()

	t.Run("同じリクエストの2回目はネットワークを使わないのだ", func(t *testing.T) {
		remote := &mockRemote{img: domain.Image{Data: validPng, MimeType: "image/png"}}
		c := newClient(t, remote, blobcache.NewMemoryStore())

		first, err := c.Generate(ctx, scenarioRequest(), nil)
		require.NoError(t, err)
		second, err := c.Generate(ctx, scenarioRequest(), nil)
		require.NoError(t, err)

		assert.Equal(t, 1, remote.Calls())
		assert.Equal(t, first, second)
	})

	t.Run("属性の順番を入れ替えても同じエントリにヒットするのだ", func(t *testing.T) {
		remote := &mockRemote{img: domain.Image{Data: validPng, MimeType: "image/png"}}
		store := blobcache.NewMemoryStore()
		c := newClient(t, remote, store)

		_, err := c.Generate(ctx, scenarioRequest(), nil)
		require.NoError(t, err)
		require.Equal(t, 1, remote.Calls())

		reordered, err := domain.ParseRequest([]byte(`{"transparent":true,"hairColor":"blonde","hairStyle":"bob","gender":"female"}`))
		require.NoError(t, err)

		_, err = c.Generate(ctx, reordered, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, remote.Calls(), "2回目はネットワーク呼び出しゼロのはずなのだ")

		_, ok, err := store.Load(ctx, `{"gender":"female","hairColor":"blonde","hairStyle":"bob","transparent":true}`)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("cache=falseは常にリモートを呼ぶのだ", func(t *testing.T) {
		remote := &mockRemote{img: domain.Image{URL: "https://cdn.example.com/a.png"}}
		c := newClient(t, remote, blobcache.NewMemoryStore())

		_, err := c.Generate(ctx, scenarioRequest(), nil)
		require.NoError(t, err)

		bypass := scenarioRequest().WithCache(false)
		for i := 0; i < 2; i++ {
			ref, err := c.Generate(ctx, bypass, nil)
			require.NoError(t, err)
			assert.Equal(t, "https://cdn.example.com/a.png", ref)
		}
		assert.Equal(t, 3, remote.Calls())
	})

	t.Run("キャッシュを全体で無効にすると毎回リモートを呼ぶのだ", func(t *testing.T) {
		remote := &mockRemote{img: domain.Image{Data: validPng, MimeType: "image/png"}}
		c := newClient(t, remote, blobcache.NewMemoryStore(), WithCachingEnabled(false))

		for i := 0; i < 2; i++ {
			ref, err := c.Generate(ctx, scenarioRequest(), nil)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(ref, "data:image/png;base64,"), ref)
		}
		assert.Equal(t, 2, remote.Calls())
	})

	t.Run("キャッシュの保存に失敗してもリモートの参照を返すのだ", func(t *testing.T) {
		remote := &mockRemote{img: domain.Image{URL: "https://cdn.example.com/a.png"}}
		store := &failingStore{MemoryStore: blobcache.NewMemoryStore()}

		cache, err := blobcache.New(store, blobcache.WithFetcher(fetcherFunc(func(ctx context.Context, ref string) ([]byte, error) {
			return validPng, nil
		})))
		require.NoError(t, err)
		c, err := New(remote, WithCache(cache), WithPolicy(fastPolicy()))
		require.NoError(t, err)

		ref, err := c.Generate(ctx, scenarioRequest(), nil)
		require.NoError(t, err)
		assert.Equal(t, "https://cdn.example.com/a.png", ref)
	})

	t.Run("ClearCache後は再びリモートを呼ぶのだ", func(t *testing.T) {
		remote := &mockRemote{img: domain.Image{Data: validPng, MimeType: "image/png"}}
		c := newClient(t, remote, blobcache.NewMemoryStore())

		_, err := c.Generate(ctx, scenarioRequest(), nil)
		require.NoError(t, err)
		require.NoError(t, c.ClearCache(ctx))
		_, err = c.Generate(ctx, scenarioRequest(), nil)
		require.NoError(t, err)

		assert.Equal(t, 2, remote.Calls())
	})
}

func TestClient_Generate_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("認証エラーは1回だけ呼んでそのまま返すのだ", func(t *testing.T) {
		remote := &mockRemote{errs: []error{&failure.EmbeddedError{Message: "Please sign in to continue"}}}
		c := newClient(t, remote, blobcache.NewMemoryStore())

		_, err := c.Generate(ctx, scenarioRequest(), nil)
		require.Error(t, err)
		assert.Equal(t, 1, remote.Calls())
		assert.True(t, failure.IsKind(err, failure.KindAuthRequired), "got %v", err)
	})

	t.Run("残高不足も再試行しないのだ", func(t *testing.T) {
		remote := &mockRemote{errs: []error{&failure.StatusError{StatusCode: http.StatusPaymentRequired, Message: "Not enough credits"}}}
		c := newClient(t, remote, blobcache.NewMemoryStore())

		_, err := c.Generate(ctx, scenarioRequest(), nil)
		require.Error(t, err)
		assert.Equal(t, 1, remote.Calls())
		assert.True(t, failure.IsKind(err, failure.KindInsufficientBalance))
	})

	t.Run("503が続くとMaxRetries+1回で諦めるのだ", func(t *testing.T) {
		remote := &mockRemote{errs: []error{&failure.StatusError{StatusCode: http.StatusServiceUnavailable}}}
		c := newClient(t, remote, blobcache.NewMemoryStore())

		_, err := c.Generate(ctx, scenarioRequest(), nil)
		require.Error(t, err)
		assert.Equal(t, 4, remote.Calls())
		assert.True(t, failure.IsKind(err, failure.KindServerSide))
	})

	t.Run("一時的な失敗のあとに成功すればキャッシュされるのだ", func(t *testing.T) {
		remote := &mockRemote{
			img:  domain.Image{Data: validPng, MimeType: "image/png"},
			errs: []error{errors.New("connection reset by peer"), nil},
		}
		c := newClient(t, remote, blobcache.NewMemoryStore())

		_, err := c.Generate(ctx, scenarioRequest(), nil)
		require.NoError(t, err)
		_, err = c.Generate(ctx, scenarioRequest(), nil)
		require.NoError(t, err)
		assert.Equal(t, 2, remote.Calls())
	})

	t.Run("不正なリクエストはネットワークもキャッシュも使わないのだ", func(t *testing.T) {
		remote := &mockRemote{img: domain.Image{Data: validPng}}
		c := newClient(t, remote, blobcache.NewMemoryStore())

		rec := &statusRecorder{}
		_, err := c.Generate(ctx, domain.GenerationRequest{}, rec.record)
		require.Error(t, err)
		assert.True(t, failure.IsKind(err, failure.KindValidation))
		assert.Equal(t, 0, remote.Calls())
		assert.Empty(t, rec.all())
	})

	t.Run("空白だけが違うextraのキーはリモートに送らないのだ", func(t *testing.T) {
		remote := &mockRemote{img: domain.Image{Data: validPng}}
		c := newClient(t, remote, blobcache.NewMemoryStore())

		req := scenarioRequest()
		req.Extra = map[string]string{"mood": "calm", " mood": "angry"}
		_, err := c.Generate(ctx, req, nil)
		assert.True(t, failure.IsKind(err, failure.KindValidation))
		assert.Equal(t, 0, remote.Calls())
	})

	t.Run("空の画像は不明なエラーとして扱うのだ", func(t *testing.T) {
		remote := &mockRemote{}
		c := newClient(t, remote, blobcache.NewMemoryStore())

		_, err := c.Generate(ctx, scenarioRequest(), nil)
		require.Error(t, err)
		assert.Equal(t, 1, remote.Calls())
		assert.True(t, failure.IsKind(err, failure.KindUnknown))
	})
}

func TestClient_Generate_Status(t *testing.T) {
	ctx := context.Background()

	t.Run("ミス時のステータスの順番なのだ", func(t *testing.T) {
		remote := &mockRemote{
			img:  domain.Image{Data: validPng, MimeType: "image/png"},
			errs: []error{&failure.StatusError{StatusCode: http.StatusBadGateway}, nil},
		}
		c := newClient(t, remote, blobcache.NewMemoryStore())

		rec := &statusRecorder{}
		_, err := c.Generate(ctx, scenarioRequest(), rec.record)
		require.NoError(t, err)

		assert.Equal(t, []string{
			StatusCheckingCache,
			StatusCallingRemote,
			StatusRetrying(1, 3),
			StatusCachingResult,
			StatusDone,
		}, rec.all())
	})

	t.Run("ヒット時はキャッシュから取得したことを通知するのだ", func(t *testing.T) {
		remote := &mockRemote{img: domain.Image{Data: validPng, MimeType: "image/png"}}
		c := newClient(t, remote, blobcache.NewMemoryStore())
		_, err := c.Generate(ctx, scenarioRequest(), nil)
		require.NoError(t, err)

		rec := &statusRecorder{}
		_, err = c.Generate(ctx, scenarioRequest(), rec.record)
		require.NoError(t, err)
		assert.Equal(t, []string{StatusCheckingCache, StatusServedFromCache}, rec.all())
	})
}

func TestClient_Generate_Concurrency(t *testing.T) {
	ctx := context.Background()

	t.Run("デフォルトでは同じキーの同時呼び出しをまとめないのだ", func(t *testing.T) {
		remote := &mockRemote{img: domain.Image{Data: validPng, MimeType: "image/png"}, delay: 50 * time.Millisecond}
		c := newClient(t, remote, blobcache.NewMemoryStore())

		runConcurrently(t, 2, func() {
			_, err := c.Generate(ctx, scenarioRequest(), nil)
			assert.NoError(t, err)
		})
		assert.Equal(t, 2, remote.Calls())
	})

	t.Run("SingleFlightを有効にすると1回にまとめるのだ", func(t *testing.T) {
		remote := &mockRemote{img: domain.Image{Data: validPng, MimeType: "image/png"}, delay: 50 * time.Millisecond}
		c := newClient(t, remote, blobcache.NewMemoryStore(), WithSingleFlight(true))

		refs := make(chan string, 4)
		runConcurrently(t, 4, func() {
			ref, err := c.Generate(ctx, scenarioRequest(), nil)
			assert.NoError(t, err)
			refs <- ref
		})
		close(refs)

		assert.Equal(t, 1, remote.Calls())
		var first string
		for ref := range refs {
			if first == "" {
				first = ref
			}
			assert.Equal(t, first, ref)
		}
	})

	t.Run("SingleFlightでは待機中の全員に進捗が届くのだ", func(t *testing.T) {
		remote := &mockRemote{img: domain.Image{Data: validPng, MimeType: "image/png"}, block: make(chan struct{})}
		c := newClient(t, remote, blobcache.NewMemoryStore(), WithSingleFlight(true))
		key := scenarioRequest().CanonicalKey()

		recorders := make([]*statusRecorder, 3)
		var wg sync.WaitGroup
		for i := range recorders {
			recorders[i] = &statusRecorder{}
			wg.Add(1)
			go func(rec *statusRecorder) {
				defer wg.Done()
				_, err := c.Generate(ctx, scenarioRequest(), rec.record)
				assert.NoError(t, err)
			}(recorders[i])
		}

		// 3人の呼び出し元と実行中の呼び出しが参加するまで待つのだ
		require.Eventually(t, func() bool { return flightSize(c, key) == len(recorders)+1 }, time.Second, time.Millisecond)
		close(remote.block)
		wg.Wait()

		assert.Equal(t, 1, remote.Calls())
		for _, rec := range recorders {
			statuses := rec.all()
			assert.Contains(t, statuses, StatusCachingResult)
			assert.Equal(t, StatusDone, statuses[len(statuses)-1])
		}
		assert.Zero(t, flightSize(c, key), "終わったflightは破棄されるのだ")
	})

	t.Run("SingleFlightで先行者がキャンセルしても待機者は成功するのだ", func(t *testing.T) {
		remote := &mockRemote{img: domain.Image{Data: validPng, MimeType: "image/png"}, block: make(chan struct{})}
		c := newClient(t, remote, blobcache.NewMemoryStore(), WithSingleFlight(true))
		key := scenarioRequest().CanonicalKey()

		leaderCtx, cancel := context.WithCancel(ctx)
		leaderErr := make(chan error, 1)
		go func() {
			_, err := c.Generate(leaderCtx, scenarioRequest(), nil)
			leaderErr <- err
		}()
		require.Eventually(t, func() bool { return remote.Calls() == 1 }, time.Second, time.Millisecond)

		cancel()
		assert.ErrorIs(t, <-leaderErr, context.Canceled)

		waiter := &statusRecorder{}
		waiterRef := make(chan string, 1)
		go func() {
			ref, err := c.Generate(ctx, scenarioRequest(), waiter.record)
			assert.NoError(t, err)
			waiterRef <- ref
		}()
		require.Eventually(t, func() bool { return flightSize(c, key) == 2 }, time.Second, time.Millisecond)
		close(remote.block)

		assert.NotEmpty(t, <-waiterRef)
		assert.Equal(t, 1, remote.Calls(), "キャンセルされても呼び出しは続行されるのだ")
		assert.Contains(t, waiter.all(), StatusCachingResult)
	})

	t.Run("異なるキーは独立して処理されるのだ", func(t *testing.T) {
		remote := &mockRemote{img: domain.Image{Data: validPng, MimeType: "image/png"}}
		c := newClient(t, remote, blobcache.NewMemoryStore(), WithSingleFlight(true))

		colors := []string{"red", "green", "blue"}
		var wg sync.WaitGroup
		for _, color := range colors {
			wg.Add(1)
			go func(color string) {
				defer wg.Done()
				req := scenarioRequest()
				req.HairColor = color
				_, err := c.Generate(ctx, req, nil)
				assert.NoError(t, err)
			}(color)
		}
		wg.Wait()
		assert.Equal(t, 3, remote.Calls())
	})
}

func TestClient_Metrics(t *testing.T) {
	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	remote := &mockRemote{img: domain.Image{Data: validPng, MimeType: "image/png"}}
	c := newClient(t, remote, blobcache.NewMemoryStore(), WithMetrics(m))

	_, err := c.Generate(ctx, scenarioRequest(), nil)
	require.NoError(t, err)
	_, err = c.Generate(ctx, scenarioRequest(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Generations.WithLabelValues("remote")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Generations.WithLabelValues("cache")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RemoteAttempts.WithLabelValues("success")))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	c, err := New(&mockRemote{})
	require.NoError(t, err)
	assert.NoError(t, c.ClearCache(context.Background()), "キャッシュ未設定のClearCacheは何もしないのだ")
}

type fetcherFunc func(ctx context.Context, ref string) ([]byte, error)

func (f fetcherFunc) Fetch(ctx context.Context, ref string) ([]byte, error) { return f(ctx, ref) }

// flightSize は key の flight に参加している数を返すのだ。
func flightSize(c *Client, key string) int {
	c.flightsMu.Lock()
	defer c.flightsMu.Unlock()
	fl, ok := c.flights[key]
	if !ok {
		return 0
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return len(fl.subs)
}

func runConcurrently(t *testing.T, n int, fn func()) {
	t.Helper()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	wg.Wait()
}
