package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/shouni/avatar-image-kit/pkg/domain"
	"github.com/shouni/avatar-image-kit/pkg/failure"
	"github.com/shouni/avatar-image-kit/pkg/generator"
)

var (
	requestPath string
	noCache     bool
	attrs       domain.GenerationRequest
	extras      map[string]string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate one avatar image and print its reference",
	Example: `  avatargen generate --gender female --hair-style bob --hair-color blonde --transparent
  avatargen generate --request avatar.json --no-cache`,
	RunE: runGenerate,
}

func init() {
	f := generateCmd.Flags()
	f.StringVar(&requestPath, "request", "", "read the request JSON from a file (\"-\" for stdin)")
	f.BoolVar(&noCache, "no-cache", false, "bypass the cache for this request")

	f.StringVar(&attrs.Gender, "gender", "", "gender")
	f.StringVar(&attrs.AgeGroup, "age-group", "", "age group")
	f.StringVar(&attrs.SkinTone, "skin-tone", "", "skin tone")
	f.StringVar(&attrs.HairStyle, "hair-style", "", "hair style")
	f.StringVar(&attrs.HairColor, "hair-color", "", "hair color")
	f.StringVar(&attrs.EyeColor, "eye-color", "", "eye color")
	f.StringVar(&attrs.Expression, "expression", "", "facial expression")
	f.StringVar(&attrs.Outfit, "outfit", "", "outfit")
	f.StringVar(&attrs.ArtStyle, "art-style", "", "art style")
	f.StringVar(&attrs.BackgroundColor, "background-color", "", "background color")
	f.StringSliceVar(&attrs.Accessories, "accessories", nil, "comma separated accessories")
	f.BoolVar(&attrs.Transparent, "transparent", false, "transparent background")
	f.StringToStringVar(&extras, "extra", nil, "additional attributes (key=value)")

	rootCmd.AddCommand(generateCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	req, err := buildRequest(cmd.InOrStdin())
	if err != nil {
		return err
	}
	if noCache {
		req = req.WithCache(false)
	}

	a, err := newApp(cmd.Context(), loaded, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("終了処理に失敗しました", "error", err)
		}
	}()

	ref, err := a.client.Generate(cmd.Context(), req, statusPrinter(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), ref)
	return err
}

// buildRequest は --request のJSON、またはフラグからリクエストを組み立てます。
func buildRequest(stdin io.Reader) (domain.GenerationRequest, error) {
	if requestPath == "" {
		req := attrs
		if len(extras) > 0 {
			req.Extra = extras
		}
		return req, nil
	}

	var (
		data []byte
		err  error
	)
	if requestPath == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(requestPath)
	}
	if err != nil {
		return domain.GenerationRequest{}, failure.Wrap(failure.KindValidation, "リクエストファイルの読み込みに失敗しました", err)
	}
	return domain.ParseRequest(data)
}

// statusPrinter は進捗を色付きで w に出力する StatusFunc を返します。
func statusPrinter(w io.Writer) generator.StatusFunc {
	info := color.New(color.FgCyan)
	ok := color.New(color.FgGreen)
	warn := color.New(color.FgYellow)

	return func(status string) {
		c := info
		switch {
		case status == generator.StatusServedFromCache, status == generator.StatusDone:
			c = ok
		case strings.HasPrefix(status, generator.StatusRetryingPrefix):
			c = warn
		}
		_, _ = c.Fprintf(w, "› %s\n", status)
	}
}
