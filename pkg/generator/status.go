package generator

import "fmt"

// StatusFunc は処理の区切りごとに同期的に呼ばれる進捗コールバックです。
// 呼ばれる回数やタイミングは固定ではありません。
type StatusFunc func(status string)

const (
	StatusCheckingCache   = "キャッシュを確認しています"
	StatusServedFromCache = "キャッシュから取得しました"
	StatusCallingRemote   = "生成サービスを呼び出しています"
	StatusCachingResult   = "生成結果を保存しています"
	StatusDone            = "完了しました"

	// StatusRetryingPrefix は StatusRetrying が返す文字列の先頭部分です。
	StatusRetryingPrefix = "再試行しています"
)

// StatusRetrying は再試行中を示すステータスです。
func StatusRetrying(attempt, maxRetries int) string {
	return fmt.Sprintf("%s (%d/%d)", StatusRetryingPrefix, attempt, maxRetries)
}

func (f StatusFunc) emit(status string) {
	if f != nil {
		f(status)
	}
}
