package adapters

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/shouni/avatar-image-kit/pkg/domain"
	"github.com/shouni/avatar-image-kit/pkg/failure"
	"github.com/shouni/avatar-image-kit/pkg/imgutil"
)

// ImageCreator は OpenAI の画像生成 API です。*openai.Client が満たします。
type ImageCreator interface {
	CreateImage(ctx context.Context, request openai.ImageRequest) (openai.ImageResponse, error)
}

var _ ImageCreator = (*openai.Client)(nil)

// OpenAIAdapter は OpenAI の画像生成 API でアバターを生成するアダプターです。
type OpenAIAdapter struct {
	client ImageCreator
	model  string
	size   string
}

// NewOpenAIAdapter は OpenAIAdapter を作成します。model が空の場合は API のデフォルトを使います。
func NewOpenAIAdapter(client ImageCreator, model string) (*OpenAIAdapter, error) {
	if client == nil {
		return nil, fmt.Errorf("client (ImageCreator) is required")
	}
	return &OpenAIAdapter{client: client, model: model, size: openai.CreateImageSize1024x1024}, nil
}

// NewOpenAIClient は API キーとベース URL から *openai.Client を作成します。
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// Generate は属性から組み立てたプロンプトで画像を1枚生成します。
func (a *OpenAIAdapter) Generate(ctx context.Context, req domain.GenerationRequest) (domain.Image, error) {
	resp, err := a.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         BuildPrompt(req),
		Model:          a.model,
		N:              1,
		Size:           a.size,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return domain.Image{}, fromOpenAIError(err)
	}
	if len(resp.Data) == 0 {
		return domain.Image{}, errors.New("OpenAIの応答に画像が含まれていませんでした")
	}

	item := resp.Data[0]
	if item.B64JSON != "" {
		data, err := base64.StdEncoding.DecodeString(item.B64JSON)
		if err != nil {
			return domain.Image{}, fmt.Errorf("画像データの解析に失敗しました: %w", err)
		}
		return domain.Image{Data: data, MimeType: imgutil.DetectMimeType(data)}, nil
	}
	if item.URL != "" {
		return domain.Image{URL: item.URL}, nil
	}
	return domain.Image{}, errors.New("OpenAIの応答に画像が含まれていませんでした")
}

// fromOpenAIError は go-openai のエラーをステータス付きの失敗に変換します。
func fromOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code, _ := apiErr.Code.(string)
		if code == "" {
			code = apiErr.Type
		}
		return &failure.StatusError{StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Code: code}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := ""
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &failure.StatusError{StatusCode: reqErr.HTTPStatusCode, Message: msg}
	}
	return err
}
