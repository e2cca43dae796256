package broker

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrMarketClosed      = errors.New("market closed")
	ErrServer            = errors.New("server error")
)

// APIError is a structured error returned by the trading API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	code := e.Code
	if code == "" {
		code = "ERROR"
	}
	return fmt.Sprintf("[%d] %s: %s", e.Status, code, e.Message)
}

// Is maps the error onto the package sentinels so callers can use errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrOrderNotFound:
		return e.Status == http.StatusNotFound || strings.EqualFold(e.Code, "not_found") || strings.EqualFold(e.Code, "order_not_found")
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	case ErrInsufficientFunds:
		return strings.EqualFold(e.Code, "insufficient_balance") || strings.EqualFold(e.Code, "insufficient_funds")
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	case ErrMarketClosed:
		return strings.EqualFold(e.Code, "market_closed")
	case ErrServer:
		return e.Status >= 500
	}
	return false
}

// IsNotFound reports whether err means the order does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound)
}

// IsTransient reports whether a read may be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrServer)
}
