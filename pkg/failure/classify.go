package failure

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

var (
	balanceVocabulary = []string{
		"insufficient balance",
		"insufficient funds",
		"insufficient credit",
		"not enough credit",
		"out of credits",
		"credit",
		"payment required",
		"purchase",
	}

	authVocabulary = []string{
		"unauthorized",
		"unauthenticated",
		"not authenticated",
		"authentication",
		"sign in",
		"sign-in",
		"signin",
		"login required",
		"log in",
		"session expired",
		"invalid token",
		"token expired",
	}

	networkVocabulary = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
		"network",
		"fetch",
		"connection reset",
		"connection refused",
		"broken pipe",
		"no such host",
		"temporarily unavailable",
	}

	// codeKinds は構造化エラーコードから種別への対応です。
	codeKinds = map[string]Kind{
		"authentication_required": KindAuthRequired,
		"auth_required":           KindAuthRequired,
		"unauthenticated":         KindAuthRequired,
		"unauthorized":            KindAuthRequired,
		"insufficient_balance":    KindInsufficientBalance,
		"insufficient_credits":    KindInsufficientBalance,
		"payment_required":        KindInsufficientBalance,
		"rate_limited":            KindRateLimited,
		"rate_limit_exceeded":     KindRateLimited,
		"invalid_request":         KindValidation,
		"validation_error":        KindValidation,
		"server_error":            KindServerSide,
		"unavailable":             KindServerSide,
	}
)

// Classify は任意の生の失敗をちょうど1つの *Error に変換します。副作用はありません。
//
// 優先順位:
//  1. 既に分類済み（*Error または種別を示す構造化コード）ならそのまま
//  2. クレジット・残高不足の語彙 → insufficient-balance
//  3. 認証・セッションの語彙 → authentication-required
//  4. ステータス 429 → rate-limited、408/500/502/503/504 → server-side
//  5. ネットワーク・タイムアウトの語彙 → transient-network
//  6. それ以外 → unknown
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	var (
		status     int
		retryAfter time.Duration
		code       string
		message    = err.Error()
	)

	var se *StatusError
	if errors.As(err, &se) {
		status = se.StatusCode
		retryAfter = se.RetryAfter
		code = se.Code
		if se.Message != "" {
			message = se.Message
		}
	}
	var ee *EmbeddedError
	if errors.As(err, &ee) {
		if code == "" {
			code = ee.Code
		}
		if ee.Message != "" {
			message = ee.Message
		}
	}

	out := &Error{Message: message, StatusCode: status, Err: err}

	if kind, ok := kindFromCode(code); ok {
		out.Kind = kind
		if kind == KindRateLimited {
			out.RetryAfter = retryAfter
		}
		return out
	}

	text := strings.ToLower(err.Error())
	switch {
	case containsAny(text, balanceVocabulary):
		out.Kind = KindInsufficientBalance
	case containsAny(text, authVocabulary):
		out.Kind = KindAuthRequired
	case status == http.StatusTooManyRequests:
		out.Kind = KindRateLimited
		out.RetryAfter = retryAfter
	case isRetryableStatus(status):
		out.Kind = KindServerSide
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		out.Kind = KindAuthRequired
	case status == http.StatusPaymentRequired:
		out.Kind = KindInsufficientBalance
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		out.Kind = KindValidation
	case isNetworkError(err) || containsAny(text, networkVocabulary):
		out.Kind = KindTransientNetwork
	default:
		out.Kind = KindUnknown
	}
	return out
}

func kindFromCode(code string) (Kind, bool) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return "", false
	}
	for _, k := range Kinds {
		if code == string(k) {
			return k, true
		}
	}
	k, ok := codeKinds[code]
	return k, ok
}

func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
