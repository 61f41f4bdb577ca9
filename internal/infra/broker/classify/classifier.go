package classify

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/vietddude/brokerlink/internal/infra/broker"
)

// Input is the raw material of a classification. Classify builds one from an
// error; callers holding a decoded broker response can fill it directly.
type Input struct {
	Err        error
	Message    string
	StatusCode int
	Code       string
	RetryAfter time.Duration
}

// Func is the classifier signature consumed by the retry executor.
type Func func(error) Classification

// Classify classifies err. A nil error classifies as unknown.
func Classify(err error) Classification {
	return ClassifyInput(Input{Err: err})
}

// ClassifyInput is total: every input yields exactly one classification.
func ClassifyInput(in Input) Classification {
	f := extract(in)

	kind, code := KindUnknown, CodeUnexpected
	for _, r := range rules {
		if c, ok := r.match(f); ok {
			kind, code = r.kind, c
			break
		}
	}
	return build(kind, code, f.retryAfter)
}

func build(kind Kind, code string, retryAfter time.Duration) Classification {
	p := policies[kind]
	g, ok := guide[code]
	if !ok {
		g = guide[CodeUnexpected]
	}
	c := Classification{
		Kind:       kind,
		Severity:   p.severity,
		Code:       code,
		Retryable:  p.retryable,
		MaxRetries: p.maxRetries,
		Message:    g.message,
		Actions:    append([]string(nil), g.actions...),
	}
	if code == CodeTokenRevoked {
		c.Severity = SeverityCritical
	}
	if c.Retryable && retryAfter > 0 {
		c.Backoff = retryAfter
	}
	return c
}

// facts is the normalized view every rule inspects.
type facts struct {
	text       string // lower-cased message text
	code       string // upper-cased broker or errno code
	status     int
	timeout    bool
	connection bool
	cancelled  bool
	retryAfter time.Duration
}

var statusInText = regexp.MustCompile(`(?i)\b(?:status(?:\s+code)?|http|error|code)[\s:=]*([1-5]\d\d)\b`)

func extract(in Input) facts {
	f := facts{status: in.StatusCode, code: strings.ToUpper(in.Code), retryAfter: in.RetryAfter}
	parts := []string{in.Message}

	if err := in.Err; err != nil {
		parts = append(parts, err.Error())

		var be *broker.Error
		if errors.As(err, &be) {
			if f.status == 0 {
				f.status = be.StatusCode
			}
			if f.code == "" {
				f.code = strings.ToUpper(be.Code)
			}
			if f.retryAfter == 0 {
				f.retryAfter = be.RetryAfter
			}
		}

		var ne net.Error
		switch {
		case errors.Is(err, context.Canceled):
			f.cancelled = true
		case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
			f.timeout = true
		case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED),
			errors.Is(err, syscall.ECONNABORTED), errors.Is(err, syscall.EPIPE),
			errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
			f.connection = true
		}
		var opErr *net.OpError
		var dnsErr *net.DNSError
		if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
			f.connection = true
		}
	}

	f.text = strings.ToLower(strings.Join(parts, " "))
	if f.status == 0 {
		if m := statusInText.FindStringSubmatch(f.text); m != nil {
			f.status, _ = strconv.Atoi(m[1])
		}
	}
	return f
}

type rule struct {
	kind  Kind
	match func(facts) (string, bool)
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{KindUnknown, func(f facts) (string, bool) {
		return CodeCancelled, f.cancelled
	}},
	{KindAuthentication, matchAuth},
	{KindNetwork, matchNetwork},
	{KindRateLimit, matchRateLimit},
	{KindValidation, matchOrderNotFound},
	{KindBrokerServer, matchServer},
	{KindValidation, matchValidation},
	{KindMarket, matchMarket},
	{KindValidation, matchBadRequest},
}

func matchAuth(f facts) (string, bool) {
	switch f.code {
	case "TOKEN_EXPIRED", "SESSION_EXPIRED", "INVALID_SESSION":
		return CodeTokenExpired, true
	case "TOKEN_REVOKED", "ACCOUNT_BLOCKED", "ACCOUNT_SUSPENDED":
		return CodeTokenRevoked, true
	case "UNAUTHORIZED", "UNAUTHENTICATED", "INVALID_TOKEN", "INVALID_CREDENTIALS":
		return CodeUnauthorized, true
	case "FORBIDDEN", "PERMISSION_DENIED":
		return CodeForbidden, true
	}
	if c, ok := keyword(f.text, map[string][]string{
		CodeTokenRevoked: {"token revoked", "token has been revoked", "account blocked", "account suspended", "account is blocked"},
		CodeTokenExpired: {"token expired", "token is expired", "token has expired", "session expired", "session has expired", "invalid session", "session invalid"},
		CodeUnauthorized: {"unauthorized", "unauthenticated", "invalid token", "invalid access token", "authentication failed", "invalid credentials", "not logged in", "login required"},
		CodeForbidden:    {"forbidden", "access denied", "permission denied"},
	}, CodeTokenRevoked, CodeTokenExpired, CodeUnauthorized, CodeForbidden); ok {
		return c, true
	}
	switch f.status {
	case 401:
		return CodeUnauthorized, true
	case 403:
		return CodeForbidden, true
	}
	return "", false
}

func matchNetwork(f facts) (string, bool) {
	if f.timeout {
		return CodeTimeout, true
	}
	switch f.code {
	case "ETIMEDOUT", "ESOCKETTIMEDOUT", "DEADLINE_EXCEEDED", "TIMEOUT":
		return CodeTimeout, true
	case "ECONNRESET", "ECONNREFUSED", "ECONNABORTED", "ENOTFOUND", "EAI_AGAIN", "EPIPE", "EHOSTUNREACH", "ENETUNREACH":
		return CodeConnection, true
	}
	if f.connection {
		return CodeConnection, true
	}
	if f.status == 504 || f.status == 408 {
		return CodeTimeout, true
	}
	return keyword(f.text, map[string][]string{
		CodeTimeout:    {"timeout", "timed out", "deadline exceeded"},
		CodeConnection: {"connection reset", "connection refused", "connection closed", "broken pipe", "no such host", "network is unreachable", "socket hang up", "unexpected eof", "tls handshake"},
	}, CodeTimeout, CodeConnection)
}

func matchRateLimit(f facts) (string, bool) {
	if f.status == 429 {
		return CodeRateLimited, true
	}
	switch f.code {
	case "RATE_LIMITED", "RATE_LIMIT_EXCEEDED", "TOO_MANY_REQUESTS", "RESOURCE_EXHAUSTED":
		return CodeRateLimited, true
	}
	return keyword(f.text, map[string][]string{
		CodeRateLimited: {"rate limit", "too many requests", "throttl", "request limit", "quota exceeded"},
	}, CodeRateLimited)
}

func matchOrderNotFound(f facts) (string, bool) {
	if f.code == "ORDER_NOT_FOUND" {
		return CodeOrderNotFound, true
	}
	return keyword(f.text, map[string][]string{
		CodeOrderNotFound: {"order not found", "no order found", "order does not exist", "invalid order id", "no data found for order"},
	}, CodeOrderNotFound)
}

func matchServer(f facts) (string, bool) {
	switch f.code {
	case "INTERNAL", "INTERNAL_ERROR", "INTERNAL_SERVER_ERROR", "SERVICE_UNAVAILABLE", "BAD_GATEWAY", "UNAVAILABLE":
		return CodeServerError, true
	case "MAINTENANCE", "UNDER_MAINTENANCE":
		return CodeServerMaintenance, true
	}
	if strings.Contains(f.text, "maintenance") {
		return CodeServerMaintenance, true
	}
	if f.status >= 500 && f.status <= 599 {
		return CodeServerError, true
	}
	return keyword(f.text, map[string][]string{
		CodeServerError: {"internal server error", "service unavailable", "bad gateway", "server error", "temporarily unavailable"},
	}, CodeServerError)
}

func matchValidation(f facts) (string, bool) {
	if c, ok := keyword(f.text, map[string][]string{
		CodeInvalidQuantity: {"invalid quantity", "lot size", "multiple of lot", "quantity should be", "quantity must", "freeze quantity", "qty should"},
		CodeInvalidPrice:    {"invalid price", "tick size", "price should be", "price must", "invalid trigger price"},
		CodeInvalidSymbol:   {"invalid symbol", "symbol not found", "invalid instrument", "instrument not found", "invalid token symbol"},
		CodeInvalidRequest:  {"validation", "bad request", "invalid parameter", "invalid input", "missing required", "is required", "invalid order type", "invalid product"},
	}, CodeInvalidQuantity, CodeInvalidPrice, CodeInvalidSymbol, CodeInvalidRequest); ok {
		return c, true
	}
	switch f.code {
	case "INVALID_ARGUMENT", "VALIDATION_ERROR", "BAD_REQUEST":
		return CodeInvalidRequest, true
	}
	return "", false
}

// matchBadRequest runs after matchMarket: brokers report RMS and circuit
// rejections with a plain 400.
func matchBadRequest(f facts) (string, bool) {
	switch f.status {
	case 400, 422:
		return CodeInvalidRequest, true
	case 404:
		return CodeOrderNotFound, true
	}
	return "", false
}

func matchMarket(f facts) (string, bool) {
	switch f.code {
	case "MARKET_CLOSED":
		return CodeMarketClosed, true
	case "INSUFFICIENT_FUNDS", "INSUFFICIENT_MARGIN":
		return CodeInsufficientFunds, true
	}
	return keyword(f.text, map[string][]string{
		CodeMarketClosed:      {"market closed", "market is closed", "outside trading hours", "trading hours", "market holiday", "after market"},
		CodeInsufficientFunds: {"insufficient funds", "insufficient margin", "insufficient balance", "margin shortfall", "margin exceeds"},
		CodeCircuitLimit:      {"circuit", "price band", "price range"},
		CodeRiskRejected:      {"rms rule", "rms:", "rms reject", "risk management", "blocked for trading", "not allowed to trade"},
	}, CodeMarketClosed, CodeInsufficientFunds, CodeCircuitLimit, CodeRiskRejected)
}

// keyword returns the first code, in order, whose keywords appear in text.
func keyword(text string, table map[string][]string, order ...string) (string, bool) {
	for _, code := range order {
		for _, kw := range table[code] {
			if strings.Contains(text, kw) {
				return code, true
			}
		}
	}
	return "", false
}
