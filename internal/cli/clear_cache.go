package cli

import (
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Remove every cached avatar image",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), loaded, slog.Default())
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				slog.Warn("終了処理に失敗しました", "error", err)
			}
		}()

		if err := a.client.ClearCache(cmd.Context()); err != nil {
			return err
		}
		_, _ = color.New(color.FgGreen).Fprintln(cmd.ErrOrStderr(), "キャッシュを削除しました")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(clearCacheCmd)
}
