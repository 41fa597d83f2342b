package adapters

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shouni/avatar-image-kit/pkg/domain"
)

// BuildPrompt は属性から画像生成モデル向けの英語プロンプトを組み立てます。
// 同じ属性からは常に同じ文字列を返します。
func BuildPrompt(req domain.GenerationRequest) string {
	var b strings.Builder

	style := strings.TrimSpace(req.ArtStyle)
	if style == "" {
		style = "illustrated"
	}
	fmt.Fprintf(&b, "A %s square avatar portrait of a single character, head and shoulders, centered.", style)

	var traits []string
	add := func(label, value string) {
		if v := strings.TrimSpace(value); v != "" {
			traits = append(traits, fmt.Sprintf("%s: %s", label, v))
		}
	}
	add("gender", req.Gender)
	add("age group", req.AgeGroup)
	add("skin tone", req.SkinTone)
	add("hair style", req.HairStyle)
	add("hair color", req.HairColor)
	add("eye color", req.EyeColor)
	add("expression", req.Expression)
	add("outfit", req.Outfit)

	accessories := make([]string, 0, len(req.Accessories))
	for _, a := range req.Accessories {
		if a = strings.TrimSpace(a); a != "" {
			accessories = append(accessories, a)
		}
	}
	sort.Strings(accessories)
	if len(accessories) > 0 {
		traits = append(traits, "accessories: "+strings.Join(accessories, ", "))
	}

	extraKeys := make([]string, 0, len(req.Extra))
	for k := range req.Extra {
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		add(k, req.Extra[k])
	}

	if len(traits) > 0 {
		b.WriteString(" Character traits: ")
		b.WriteString(strings.Join(traits, "; "))
		b.WriteString(".")
	}

	switch {
	case req.Transparent:
		b.WriteString(" Transparent background, no scenery.")
	case strings.TrimSpace(req.BackgroundColor) != "":
		fmt.Fprintf(&b, " Plain %s background.", strings.TrimSpace(req.BackgroundColor))
	default:
		b.WriteString(" Plain neutral background.")
	}
	b.WriteString(" No text, no watermark.")
	return b.String()
}
