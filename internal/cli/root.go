// Package cli は avatargen コマンドの実装です。
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/shouni/avatar-image-kit/internal/config"
	"github.com/shouni/avatar-image-kit/pkg/failure"
)

// 終了コード
const (
	ExitOK                  = 0
	ExitFailure             = 1
	ExitAuthRequired        = 2
	ExitInsufficientBalance = 3
)

var (
	cfgPath string
	isDebug bool

	// loaded は PersistentPreRunE で読み込んだ設定です。
	loaded *config.Config
	// closeLog はファイルへのログ出力を閉じます。
	closeLog = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:           "avatargen",
	Short:         "Generate avatar images through a cache-aware remote client",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if isDebug {
			cfg.Log.Level = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("設定が不正です: %w", err)
		}

		logger, closer := newLogger(cfg.Log, cmd.ErrOrStderr())
		slog.SetDefault(logger)
		closeLog = closer.Close
		loaded = cfg
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeLog()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

// Execute はコマンドを実行し、プロセスの終了コードを返します。
func Execute() int {
	err := rootCmd.Execute()
	if err != nil {
		printError(rootCmd.ErrOrStderr(), err)
	}
	return exitCode(err)
}

// exitCode は呼び出し元が分岐すべき種別を終了コードに変換します。
func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case failure.IsKind(err, failure.KindAuthRequired):
		return ExitAuthRequired
	case failure.IsKind(err, failure.KindInsufficientBalance):
		return ExitInsufficientBalance
	default:
		return ExitFailure
	}
}

func printError(w io.Writer, err error) {
	red := color.New(color.FgRed, color.Bold)
	_, _ = red.Fprintf(w, "error: %v\n", err)

	var ce *failure.Error
	if !errors.As(err, &ce) {
		return
	}
	hint := color.New(color.FgYellow)
	switch ce.Kind {
	case failure.KindAuthRequired:
		_, _ = hint.Fprintln(w, "サインインしてから再度お試しください。")
	case failure.KindInsufficientBalance:
		_, _ = hint.Fprintln(w, "クレジットが不足しています。購入してから再度お試しください。")
	case failure.KindValidation:
		_, _ = hint.Fprintln(w, "リクエストの内容を確認してください。")
	default:
		_, _ = hint.Fprintln(w, "しばらくしてから再度お試しください。")
	}
}
