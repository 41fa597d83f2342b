// Package failure は画像生成クライアントで扱う失敗の分類（タクソノミー）を提供します。
//
// 生の失敗（通信エラー、非2xxレスポンス、成功レスポンスに埋め込まれた error フィールド）は
// 最初に現れた境界で一度だけ Classify され、以降のレイヤーはその *Error をそのまま転送します。
package failure

import (
	"errors"
	"fmt"
	"time"
)

// Kind は分類済みエラーの種別です。
type Kind string

const (
	KindAuthRequired        Kind = "authentication-required"
	KindInsufficientBalance Kind = "insufficient-balance"
	KindRateLimited         Kind = "rate-limited"
	KindTransientNetwork    Kind = "transient-network"
	KindServerSide          Kind = "server-side"
	KindValidation          Kind = "validation"
	KindUnknown             Kind = "unknown"
)

// Kinds は定義済みの全種別です。
var Kinds = []Kind{
	KindAuthRequired,
	KindInsufficientBalance,
	KindRateLimited,
	KindTransientNetwork,
	KindServerSide,
	KindValidation,
	KindUnknown,
}

// Retryable はこの種別がローカルでリトライ可能かを返します。
// unknown は同じ高コストな生成を重複実行しないよう、リトライしません。
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTransientNetwork, KindServerSide:
		return true
	default:
		return false
	}
}

func (k Kind) String() string { return string(k) }

// Error は分類済みの失敗です。
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	// RetryAfter は rate-limited の場合にサーバーが示した待機時間です（なければ 0）。
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable は Kind から導出されるリトライ可否です。
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// New はメッセージのみの分類済みエラーを作成します。
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap は元のエラーを保持した分類済みエラーを作成します。
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// StatusError はトランスポート層で非2xxステータスを受け取ったことを表す生の失敗です。
type StatusError struct {
	StatusCode int
	// Message はレスポンスボディから取り出したエラーメッセージです。
	Message string
	// Code はレスポンスボディに構造化されたエラーコードがあればその値です。
	Code       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
}

// EmbeddedError は成功ステータスのレスポンスに { "error": ... } が含まれていたことを表します。
type EmbeddedError struct {
	Message string
	Code    string
}

func (e *EmbeddedError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote error (%s): %s", e.Code, e.Message)
	}
	return "remote error: " + e.Message
}

// KindOf はエラーチェーン中の *Error の種別を返します。分類されていなければ Classify します。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify(err).Kind
}

// IsKind はエラーが指定した種別かを返します。
func IsKind(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// As はエラーチェーンから *Error を取り出します。
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
