// Package adapters はリモートの画像生成サービスを generator.Remote として扱うためのアダプター群です。
//
// 各アダプターは失敗を分類せず、ステータスコードや構造化エラーコードを
// failure.StatusError / failure.EmbeddedError として保持したまま返します。
package adapters

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shouni/go-http-kit/pkg/httpkit"

	"github.com/shouni/avatar-image-kit/pkg/domain"
	"github.com/shouni/avatar-image-kit/pkg/failure"
	"github.com/shouni/avatar-image-kit/pkg/imgutil"
)

const maxResponseBytes = 32 << 20

// HTTPEndpoint は JSON で属性を POST する汎用の生成エンドポイントです。
//
// 成功時のレスポンスは { "image": "<URL | data URI | base64>" }、
// エラー時は { "error": "...", "code": "..." } を想定します。
type HTTPEndpoint struct {
	url    string
	apiKey string
	client httpkit.Doer
}

// HTTPOption は HTTPEndpoint の設定を変更します。
type HTTPOption func(*HTTPEndpoint)

// WithAPIKey は Authorization: Bearer ヘッダーに使う API キーを設定します。
func WithAPIKey(key string) HTTPOption {
	return func(e *HTTPEndpoint) { e.apiKey = key }
}

// WithHTTPClient は送信に使うクライアントを差し替えます。
// *http.Client と *httpkit.Client のどちらも渡せます。httpkit.Client.Do はリトライしません。
func WithHTTPClient(c httpkit.Doer) HTTPOption {
	return func(e *HTTPEndpoint) { e.client = c }
}

// NewHTTPEndpoint は url に POST する HTTPEndpoint を作成します。
func NewHTTPEndpoint(url string, opts ...HTTPOption) (*HTTPEndpoint, error) {
	if url == "" {
		return nil, fmt.Errorf("endpoint url is required")
	}
	e := &HTTPEndpoint{url: url, client: httpkit.New(httpkit.DefaultHTTPTimeout, httpkit.WithSkipNetworkValidation(true))}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

type endpointResponse struct {
	Image    string `json:"image"`
	MimeType string `json:"mimeType"`
	Error    string `json:"error"`
	Message  string `json:"message"`
	Code     string `json:"code"`
}

// Generate は属性を POST して画像を受け取ります。
func (e *HTTPEndpoint) Generate(ctx context.Context, req domain.GenerationRequest) (domain.Image, error) {
	body, err := json.Marshal(req.Payload())
	if err != nil {
		return domain.Image{}, failure.Wrap(failure.KindValidation, "リクエストのエンコードに失敗しました", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return domain.Image{}, failure.Wrap(failure.KindValidation, "リクエストの作成に失敗しました", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return domain.Image{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.Image{}, err
	}

	var parsed endpointResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &failure.StatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
		if decodeErr == nil {
			se.Message = firstNonEmpty(parsed.Error, parsed.Message)
			se.Code = parsed.Code
		} else {
			se.Message = strings.TrimSpace(string(truncate(raw, 512)))
		}
		return domain.Image{}, se
	}

	if decodeErr != nil {
		return domain.Image{}, fmt.Errorf("レスポンスの解析に失敗しました: %w", decodeErr)
	}
	if parsed.Error != "" || parsed.Code != "" {
		return domain.Image{}, &failure.EmbeddedError{Message: firstNonEmpty(parsed.Error, parsed.Message), Code: parsed.Code}
	}
	return decodeImage(parsed.Image, parsed.MimeType)
}

// decodeImage は image フィールドの値を Image に変換します。
// URL・data URI・素の base64 のいずれも受け付けます。
func decodeImage(value, mimeType string) (domain.Image, error) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return domain.Image{}, errors.New("レスポンスに画像が含まれていませんでした")
	case strings.HasPrefix(value, "data:"):
		mt, data, err := imgutil.ParseDataURI(value)
		if err != nil {
			return domain.Image{}, fmt.Errorf("data URI の解析に失敗しました: %w", err)
		}
		return domain.Image{Data: data, MimeType: mt}, nil
	case strings.HasPrefix(value, "http://"), strings.HasPrefix(value, "https://"), strings.HasPrefix(value, "gs://"):
		return domain.Image{URL: value, MimeType: mimeType}, nil
	}

	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return domain.Image{}, fmt.Errorf("画像データの解析に失敗しました: %w", err)
	}
	if mimeType == "" {
		mimeType = imgutil.DetectMimeType(data)
	}
	return domain.Image{Data: data, MimeType: mimeType}, nil
}

// parseRetryAfter は Retry-After ヘッダー（秒数または HTTP 日付）を解釈します。
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
