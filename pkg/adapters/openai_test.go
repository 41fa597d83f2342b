package adapters

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shouni/avatar-image-kit/pkg/failure"
)

func newOpenAIAdapter(t *testing.T, handler http.HandlerFunc) *OpenAIAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := NewOpenAIAdapter(NewOpenAIClient("test-key", srv.URL+"/v1"), "dall-e-3")
	require.NoError(t, err)
	return a
}

func TestOpenAIAdapter_Generate(t *testing.T) {
	ctx := context.Background()

	t.Run("b64_jsonの画像をデコードするのだ", func(t *testing.T) {
		var got openai.ImageRequest
		a := newOpenAIAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/images/generations", r.URL.Path)
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"created": 1,
				"data":    []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString(validPng)}},
			})
		})

		img, err := a.Generate(ctx, scenarioRequest())
		require.NoError(t, err)
		assert.Equal(t, validPng, img.Data)
		assert.Equal(t, "image/png", img.MimeType)

		assert.Equal(t, BuildPrompt(scenarioRequest()), got.Prompt)
		assert.Equal(t, openai.CreateImageResponseFormatB64JSON, got.ResponseFormat)
		assert.Equal(t, "dall-e-3", got.Model)
	})

	t.Run("URLだけの応答も受け付けるのだ", func(t *testing.T) {
		a := newOpenAIAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"created":1,"data":[{"url":"https://cdn.example.com/a.png"}]}`))
		})

		img, err := a.Generate(ctx, scenarioRequest())
		require.NoError(t, err)
		assert.Equal(t, "https://cdn.example.com/a.png", img.URL)
	})

	t.Run("APIエラーはステータス付きで分類できるのだ", func(t *testing.T) {
		a := newOpenAIAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`))
		})

		_, err := a.Generate(ctx, scenarioRequest())
		var se *failure.StatusError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
		assert.Equal(t, "invalid_api_key", se.Code)
		assert.Equal(t, failure.KindAuthRequired, failure.Classify(err).Kind)
	})

	t.Run("サーバーエラーはserver-sideなのだ", func(t *testing.T) {
		a := newOpenAIAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("upstream unavailable"))
		})

		_, err := a.Generate(ctx, scenarioRequest())
		require.Error(t, err)
		assert.Equal(t, failure.KindServerSide, failure.Classify(err).Kind)
	})

	t.Run("空のdataはエラーなのだ", func(t *testing.T) {
		a := newOpenAIAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"created":1,"data":[]}`))
		})
		_, err := a.Generate(ctx, scenarioRequest())
		assert.Error(t, err)
	})
}

func TestNewOpenAIAdapter_Validation(t *testing.T) {
	_, err := NewOpenAIAdapter(nil, "")
	assert.Error(t, err)
}
