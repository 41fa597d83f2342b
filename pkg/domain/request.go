package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/shouni/avatar-image-kit/pkg/failure"
)

// GenerationRequest はアバター画像1枚の生成要求です。
// 見た目に関わる属性だけを持ち、Cache はキャッシュ利用の可否のみを制御します。
type GenerationRequest struct {
	Gender          string            `json:"gender,omitempty"`
	AgeGroup        string            `json:"ageGroup,omitempty"`
	SkinTone        string            `json:"skinTone,omitempty"`
	HairStyle       string            `json:"hairStyle,omitempty"`
	HairColor       string            `json:"hairColor,omitempty"`
	EyeColor        string            `json:"eyeColor,omitempty"`
	Expression      string            `json:"expression,omitempty"`
	Outfit          string            `json:"outfit,omitempty"`
	ArtStyle        string            `json:"artStyle,omitempty"`
	BackgroundColor string            `json:"backgroundColor,omitempty"`
	Accessories     []string          `json:"accessories,omitempty"`
	Transparent     bool              `json:"transparent,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`

	// Cache が false の場合はキャッシュを読み書きしません。nil は true 扱いです。
	Cache *bool `json:"cache,omitempty"`
}

// ParseRequest は JSON オブジェクトから GenerationRequest を復元します。
// フィールドの順序は問いません。未知のフィールドや後続データは validation エラーになります。
func ParseRequest(data []byte) (GenerationRequest, error) {
	var req GenerationRequest
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return GenerationRequest{}, failure.Wrap(failure.KindValidation, "リクエストJSONの解析に失敗しました", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return GenerationRequest{}, failure.New(failure.KindValidation, "リクエストJSONの後ろに余分なデータがあります")
	}
	return req, nil
}

// CacheEnabled はリクエスト単位でキャッシュを利用するかを返します。
func (r GenerationRequest) CacheEnabled() bool {
	return r.Cache == nil || *r.Cache
}

// WithCache は Cache フラグを差し替えたコピーを返します。
func (r GenerationRequest) WithCache(enabled bool) GenerationRequest {
	r.Cache = &enabled
	return r
}

// Payload は見た目に影響する属性だけをフラットなマップで返します。
// Cache フラグは含めません。リモートへの送信とキャッシュキーの双方で使います。
func (r GenerationRequest) Payload() map[string]any {
	attrs := make(map[string]any)
	put := func(name, v string) {
		if v = strings.TrimSpace(v); v != "" {
			attrs[name] = v
		}
	}

	put("gender", r.Gender)
	put("ageGroup", r.AgeGroup)
	put("skinTone", r.SkinTone)
	put("hairStyle", r.HairStyle)
	put("hairColor", r.HairColor)
	put("eyeColor", r.EyeColor)
	put("expression", r.Expression)
	put("outfit", r.Outfit)
	put("artStyle", r.ArtStyle)
	put("backgroundColor", r.BackgroundColor)

	if acc := normalizeSet(r.Accessories); len(acc) > 0 {
		attrs["accessories"] = acc
	}
	if r.Transparent {
		attrs["transparent"] = true
	}
	// 空白だけが異なるキーは Validate で弾くが、ここでもソート順で処理して結果を固定する
	keys := make([]string, 0, len(r.Extra))
	for k := range r.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := strings.TrimSpace(k)
		if name == "" {
			continue
		}
		put("extra."+name, r.Extra[k])
	}
	return attrs
}

// CanonicalKey はリクエストから決定的なキャッシュキーを導出します。
// encoding/json はマップのキーをソートして出力するため、属性の指定順序に依存しません。
func (r GenerationRequest) CanonicalKey() string {
	b, err := json.Marshal(r.Payload())
	if err != nil {
		// string と []string と bool だけなので到達しない
		panic(fmt.Sprintf("domain: canonical key marshal: %v", err))
	}
	return string(b)
}

// Validate は生成要求として最低限の形を満たしているかを検証します。
func (r GenerationRequest) Validate() error {
	for i, a := range r.Accessories {
		if strings.TrimSpace(a) == "" {
			return failure.New(failure.KindValidation, fmt.Sprintf("accessories[%d] が空です", i))
		}
	}
	seen := make(map[string]string, len(r.Extra))
	for k := range r.Extra {
		name := strings.TrimSpace(k)
		if name == "" {
			return failure.New(failure.KindValidation, "extra に空のキーがあります")
		}
		if prev, ok := seen[name]; ok {
			return failure.New(failure.KindValidation, fmt.Sprintf("extra のキー %q と %q が重複しています", prev, k))
		}
		seen[name] = k
	}
	if len(r.Payload()) == 0 {
		return failure.New(failure.KindValidation, "見た目の属性が1つも指定されていません")
	}
	return nil
}

// normalizeSet は空白を除去し、重複を取り除いてソートします。
func normalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
