package adapters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shouni/go-gemini-client/pkg/gemini"
	"google.golang.org/genai"

	"github.com/shouni/avatar-image-kit/pkg/blobcache"
	"github.com/shouni/avatar-image-kit/pkg/domain"
	"github.com/shouni/avatar-image-kit/pkg/failure"
	"github.com/shouni/avatar-image-kit/pkg/imgutil"
)

const (
	defaultAspectRatio = "1:1"

	// DefaultGeminiModel は画像生成に使う既定のモデルです。
	DefaultGeminiModel = "gemini-2.5-flash-image"

	// go-gemini-client は内部の再試行を無効にできないため、最小回数かつ短い間隔にする
	geminiInnerRetries    uint64 = 1
	geminiInnerRetryDelay        = 200 * time.Millisecond
)

// GeminiModel は画像生成に必要な Gemini クライアントの機能だけを切り出したインターフェースです。
type GeminiModel interface {
	GenerateWithParts(ctx context.Context, model string, parts []*genai.Part, opts gemini.GenerateOptions) (*gemini.Response, error)
}

var _ GeminiModel = (gemini.GenerativeModel)(nil)

// NewGeminiClient は API キーから go-gemini-client のクライアントを作成します。
// 再試行は generator 側のポリシーで行います。
func NewGeminiClient(ctx context.Context, apiKey string) (*gemini.Client, error) {
	return gemini.NewClient(ctx, gemini.Config{
		APIKey:       apiKey,
		MaxRetries:   geminiInnerRetries,
		InitialDelay: geminiInnerRetryDelay,
		MaxDelay:     geminiInnerRetryDelay,
	})
}

// GeminiAdapter は Gemini の画像生成モデルでアバターを生成するアダプターです。
type GeminiAdapter struct {
	client       GeminiModel
	model        string
	systemPrompt string
	referenceURL string
	fetcher      blobcache.Fetcher
	logger       *slog.Logger
}

// GeminiOption は GeminiAdapter の設定を変更します。
type GeminiOption func(*GeminiAdapter)

// WithSystemPrompt はシステムプロンプトを設定します。
func WithSystemPrompt(p string) GeminiOption {
	return func(a *GeminiAdapter) { a.systemPrompt = p }
}

// WithStyleReference は画風の参照画像を設定します。画像は fetcher で取得します。
func WithStyleReference(ref string, fetcher blobcache.Fetcher) GeminiOption {
	return func(a *GeminiAdapter) {
		a.referenceURL = ref
		a.fetcher = fetcher
	}
}

// WithGeminiLogger はロガーを設定します。
func WithGeminiLogger(l *slog.Logger) GeminiOption {
	return func(a *GeminiAdapter) { a.logger = l }
}

// NewGeminiAdapter は依存関係を注入して GeminiAdapter を作成します。
func NewGeminiAdapter(client GeminiModel, model string, opts ...GeminiOption) (*GeminiAdapter, error) {
	if client == nil {
		return nil, fmt.Errorf("client (GeminiModel) is required")
	}
	if model == "" {
		return nil, fmt.Errorf("model is required")
	}
	a := &GeminiAdapter{client: client, model: model, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Generate は属性からプロンプトを組み立てて Gemini に画像生成を依頼します。
func (a *GeminiAdapter) Generate(ctx context.Context, req domain.GenerationRequest) (domain.Image, error) {
	parts := []*genai.Part{{Text: BuildPrompt(req)}}
	if part := a.referencePart(ctx); part != nil {
		parts = append(parts, part)
	}

	opts := gemini.GenerateOptions{
		AspectRatio:  defaultAspectRatio,
		SystemPrompt: a.systemPrompt,
	}

	resp, err := a.client.GenerateWithParts(ctx, a.model, parts, opts)
	if err != nil {
		return domain.Image{}, fromGenaiError(err)
	}
	return parseGeminiResponse(resp)
}

// referencePart は参照画像を取得して Part に変換します。失敗してもテキストのみで続行します。
func (a *GeminiAdapter) referencePart(ctx context.Context) *genai.Part {
	if a.referenceURL == "" || a.fetcher == nil {
		return nil
	}
	data, err := a.fetcher.Fetch(ctx, a.referenceURL)
	if err != nil {
		a.logger.WarnContext(ctx, "参照画像の取得に失敗しました。テキストのみで続行します", "url", a.referenceURL, "error", err)
		return nil
	}
	part := toImagePart(data)
	if part == nil {
		a.logger.WarnContext(ctx, "参照画像のMIMEタイプが画像ではありません", "url", a.referenceURL)
	}
	return part
}

// toImagePart はバイト列を genai.Part (InlineData) に変換します。画像でなければ nil です。
func toImagePart(data []byte) *genai.Part {
	mimeType := imgutil.DetectMimeType(data)
	if !imgutil.IsImage(mimeType) {
		return nil
	}
	return &genai.Part{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}}
}

// parseGeminiResponse は最初の候補から画像パーツを取り出します。
func parseGeminiResponse(resp *gemini.Response) (domain.Image, error) {
	if resp == nil || resp.RawResponse == nil {
		return domain.Image{}, errors.New("Geminiからの有効な応答がありませんでした")
	}
	raw := resp.RawResponse

	if fb := raw.PromptFeedback; fb != nil && isBlocked(string(fb.BlockReason)) {
		return domain.Image{}, failure.New(failure.KindValidation,
			fmt.Sprintf("プロンプトがブロックされました (BlockReason: %s)", fb.BlockReason))
	}
	if len(raw.Candidates) == 0 {
		return domain.Image{}, errors.New("Geminiからの有効な応答がありませんでした")
	}

	candidate := raw.Candidates[0]
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				mimeType := part.InlineData.MIMEType
				if mimeType == "" {
					mimeType = imgutil.DetectMimeType(part.InlineData.Data)
				}
				return domain.Image{Data: part.InlineData.Data, MimeType: mimeType}, nil
			}
		}
	}

	reason := string(candidate.FinishReason)
	if isSafetyFinish(reason) {
		return domain.Image{}, failure.New(failure.KindValidation,
			fmt.Sprintf("安全フィルターにより画像生成が停止しました (FinishReason: %s)", reason))
	}
	if candidate.FinishReason != genai.FinishReasonUnspecified && candidate.FinishReason != genai.FinishReasonStop {
		return domain.Image{}, fmt.Errorf("画像生成が異常終了しました (FinishReason: %s)", reason)
	}
	return domain.Image{}, errors.New("画像データが見つかりませんでした")
}

func isBlocked(reason string) bool {
	return reason != "" && reason != "BLOCKED_REASON_UNSPECIFIED"
}

func isSafetyFinish(reason string) bool {
	for _, s := range []string{"SAFETY", "PROHIBITED", "BLOCKLIST", "SPII", "RECITATION"} {
		if strings.Contains(reason, s) {
			return true
		}
	}
	return false
}

// fromGenaiError は genai.APIError をステータス付きの失敗に変換します。
// ブロックや空レスポンスを示す gemini.APIResponseError は validation とします。それ以外はそのまま返します。
func fromGenaiError(err error) error {
	var respErr *gemini.APIResponseError
	if errors.As(err, &respErr) {
		return failure.Wrap(failure.KindValidation, "Gemini が画像を生成しませんでした", err)
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &failure.StatusError{StatusCode: apiErr.Code, Message: apiErr.Message, Code: apiErr.Status}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &failure.StatusError{StatusCode: apiErrPtr.Code, Message: apiErrPtr.Message, Code: apiErrPtr.Status}
	}
	return err
}
