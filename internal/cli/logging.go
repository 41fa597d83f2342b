package cli

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shouni/avatar-image-kit/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newLogger はログ設定からロガーを作成します。
// ファイル指定があればローテーション付きの JSON、なければ stderr に色付きで出力します。
func newLogger(cfg config.LogConfig, stderr io.Writer) (*slog.Logger, io.Closer) {
	level := parseLevel(cfg.Level)

	if cfg.File != "" {
		w := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), w
	}

	return slog.New(tint.NewHandler(stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})), nopCloser{}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
