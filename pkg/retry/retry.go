// Package retry は分類済みエラーに基づいて、リトライ可能な失敗だけを指数バックオフで再試行します。
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/shouni/avatar-image-kit/pkg/failure"
)

const (
	DefaultMaxRetries     = 3
	DefaultBaseDelay      = 1 * time.Second
	DefaultMaxDelay       = 10 * time.Second
	DefaultAttemptTimeout = 30 * time.Second
	DefaultJitterFactor   = 0.3
)

// Policy はリトライの回数と待機時間を決めます。
type Policy struct {
	// MaxRetries は初回を除く再試行回数です。試行は最大 MaxRetries+1 回です。
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	JitterFactor   float64
}

// DefaultPolicy は標準のリトライポリシーを返します。
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     DefaultMaxRetries,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		AttemptTimeout: DefaultAttemptTimeout,
		JitterFactor:   DefaultJitterFactor,
	}
}

// Backoff は attempt 回目（0始まり）の失敗後に待機する時間を返します。
// rnd は [0, 1) の乱数で、ジッターは [0, JitterFactor·base·2^attempt) の範囲になります。
func Backoff(p Policy, attempt int, rnd float64) time.Duration {
	exp := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	delay := exp + rnd*p.JitterFactor*exp
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// RetryEvent は再試行の直前に通知される情報です。
type RetryEvent struct {
	// Attempt は失敗した試行の番号（0始まり）です。
	Attempt int
	Delay   time.Duration
	Err     *failure.Error
}

type options struct {
	onRetry func(RetryEvent)
	rand    func() float64
}

// Option は Do の動作を変更します。
type Option func(*options)

// WithOnRetry は再試行の直前に呼ばれるコールバックを設定します。
func WithOnRetry(fn func(RetryEvent)) Option {
	return func(o *options) { o.onRetry = fn }
}

// WithRand はジッター用の乱数源を設定します。テストで待機時間を固定するために使います。
func WithRand(fn func() float64) Option {
	return func(o *options) { o.rand = fn }
}

// Do は fn を最大 MaxRetries+1 回実行します。
//
// 各試行は AttemptTimeout のタイムアウト付きコンテキストで実行されます。
// 失敗は一度だけ failure.Classify され、リトライ不可の種別は即座に返ります。
// 試行を使い切った場合は最後の分類済みエラーを返します。
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	o := options{rand: rand.Float64}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		result  T
		attempt int
		lastErr *failure.Error
	)

	backoff := goretry.BackoffFunc(func() (time.Duration, bool) {
		if attempt >= p.MaxRetries {
			return 0, true
		}
		delay := Backoff(p, attempt, o.rand())
		if lastErr.Kind == failure.KindRateLimited && lastErr.RetryAfter > delay {
			delay = lastErr.RetryAfter
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
		if o.onRetry != nil {
			o.onRetry(RetryEvent{Attempt: attempt, Delay: delay, Err: lastErr})
		}
		attempt++
		return delay, false
	})

	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		v, err := runAttempt(ctx, p.AttemptTimeout, fn)
		if err == nil {
			result = v
			return nil
		}
		lastErr = failure.Classify(err)
		if !lastErr.Retryable() {
			return lastErr
		}
		return goretry.RetryableError(lastErr)
	})
	if err != nil {
		var zero T
		return zero, failure.Classify(err)
	}
	return result, nil
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}
