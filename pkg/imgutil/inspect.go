package imgutil

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strings"

	_ "golang.org/x/image/webp"
)

// Info は画像のフォーマットとサイズです。
type Info struct {
	Format string
	Width  int
	Height int
}

// MimeType はフォーマット名から MIME タイプを返します。
func (i Info) MimeType() string {
	return "image/" + i.Format
}

// Inspect は画像全体をデコードせずにフォーマットとサイズを取得します。
// image.DecodeConfig がサポートするフォーマット（PNG, GIF, JPEG, WebP）に対応しています。
func Inspect(data []byte) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("画像ヘッダの解析に失敗しました: %w", err)
	}
	return Info{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// DetectMimeType はバイト列から MIME タイプを推定します。
// http.DetectContentType は WebP を判定できないため、先にデコーダーで確認します。
func DetectMimeType(data []byte) string {
	if info, err := Inspect(data); err == nil {
		return info.MimeType()
	}
	return http.DetectContentType(data)
}

// IsImage は MIME タイプが画像かを返します。
func IsImage(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}

// ToDataURI はバイト列を data URI に変換します。mimeType が空なら推定します。
func ToDataURI(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = DetectMimeType(data)
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ParseDataURI は base64 形式の data URI を MIME タイプとバイト列に分解します。
func ParseDataURI(uri string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, fmt.Errorf("data URI ではありません")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("data URI にカンマがありません")
	}
	mimeType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return "", nil, fmt.Errorf("base64 以外の data URI には対応していません")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("data URI のデコードに失敗しました: %w", err)
	}
	return mimeType, data, nil
}
