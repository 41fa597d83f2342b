package blobcache

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"

	"github.com/shouni/go-http-kit/pkg/httpkit"
	"github.com/shouni/go-remote-io/pkg/remoteio"
	"github.com/shouni/netarmor/securenet"

	"github.com/shouni/avatar-image-kit/pkg/imgutil"
)

// Fetcher はリモート参照（URL）から画像のバイト列を取得します。
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// HTTPClient は HTTP(S) の URL からデータを取得するためのインターフェースです。
// httpkit.ClientInterface を満たすクライアントをそのまま渡せます。
type HTTPClient interface {
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// ObjectReader は gs:// などのオブジェクトストレージ URI を開くためのインターフェースです。
// remoteio.InputReader を満たすリーダーをそのまま渡せます。
type ObjectReader interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

var (
	_ HTTPClient   = (httpkit.ClientInterface)(nil)
	_ ObjectReader = (remoteio.InputReader)(nil)
)

// RemoteFetcher は http(s):// を HTTPClient、gs:// を ObjectReader で取得する Fetcher です。
type RemoteFetcher struct {
	httpClient   HTTPClient
	reader       ObjectReader
	allowPrivate bool
}

// FetcherOption は RemoteFetcher の設定を変更します。
type FetcherOption func(*RemoteFetcher)

// WithObjectReader は gs:// の取得に使うリーダーを設定します。
func WithObjectReader(r ObjectReader) FetcherOption {
	return func(f *RemoteFetcher) { f.reader = r }
}

// WithPrivateNetworks はプライベートIPやループバックへの取得を許可します。ローカル開発用です。
func WithPrivateNetworks(allow bool) FetcherOption {
	return func(f *RemoteFetcher) { f.allowPrivate = allow }
}

// NewRemoteFetcher は依存関係を注入して RemoteFetcher を作成します。
func NewRemoteFetcher(httpClient HTTPClient, opts ...FetcherOption) (*RemoteFetcher, error) {
	if httpClient == nil {
		return nil, fmt.Errorf("httpClient is required")
	}
	f := &RemoteFetcher{httpClient: httpClient}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch は参照先の画像を取得します。data URI はネットワークを使わずにデコードします。
func (f *RemoteFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, "data:"):
		_, data, err := imgutil.ParseDataURI(ref)
		return data, err

	case strings.HasPrefix(ref, "gs://"):
		if f.reader == nil {
			return nil, fmt.Errorf("gs:// の取得にはリーダーの設定が必要です: %s", ref)
		}
		rc, err := f.reader.Open(ctx, ref)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}

	if !f.allowPrivate {
		if safe, err := IsSafeURL(ref); err != nil || !safe {
			return nil, fmt.Errorf("安全ではないURLが指定されました: %w", err)
		}
	}
	return f.httpClient.FetchBytes(ctx, ref)
}

// IsSafeURL は、SSRF (Server-Side Request Forgery) 対策として取得前に URL を検証します。
// http, https 以外のスキームを拒否した上で securenet の静的検証を行います。
// 接続時の DNS Rebinding 対策は httpkit.New が構築する HTTP クライアント側で行われます。
func IsSafeURL(rawURL string) (bool, error) {
	parsedURL, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return false, fmt.Errorf("URLパース失敗: %w", err)
	}
	if parsedURL.Scheme != securenet.SchemeHTTP && parsedURL.Scheme != securenet.SchemeHTTPS {
		return false, fmt.Errorf("不許可スキーム: %s", parsedURL.Scheme)
	}
	if ip := net.ParseIP(parsedURL.Hostname()); ip != nil && ip.IsUnspecified() {
		return false, fmt.Errorf("制限されたネットワークへのアクセスを検知: %s", ip.String())
	}
	return securenet.IsSafeURL(rawURL)
}
