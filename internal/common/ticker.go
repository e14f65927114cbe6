// Package common provides shared utilities across the application.
package common

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTicker is returned when a submitted subject cannot be a ticker
var ErrInvalidTicker = errors.New("invalid ticker")

// Ticker represents a parsed, optionally exchange-qualified ticker.
// Format: [EXCHANGE:]CODE (e.g., "AAPL", "NYSE:AAPL", "ASX:BHP")
type Ticker struct {
	// Exchange is the exchange code, empty when not given
	Exchange string
	// Code is the security code (e.g., "AAPL", "BRK.B")
	Code string
	// Raw is the original ticker string
	Raw string
}

// ParseTicker normalises a user-typed ticker.
// Supports formats:
//   - "aapl" -> Code="AAPL"
//   - "nyse:aapl" -> Exchange="NYSE", Code="AAPL"
//   - "  brk.b " -> Code="BRK.B"
//
// Codes may contain letters, digits, '.' and '-'. Exchanges only letters and digits.
func ParseTicker(ticker string) (Ticker, error) {
	raw := ticker
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return Ticker{}, fmt.Errorf("%w: empty", ErrInvalidTicker)
	}

	var exchange, code string
	if idx := strings.Index(ticker, ":"); idx >= 0 {
		exchange = ticker[:idx]
		code = ticker[idx+1:]
		if exchange == "" {
			return Ticker{}, fmt.Errorf("%w: %q has an empty exchange", ErrInvalidTicker, raw)
		}
	} else {
		code = ticker
	}

	if code == "" {
		return Ticker{}, fmt.Errorf("%w: %q has an empty code", ErrInvalidTicker, raw)
	}
	if !validTickerPart(exchange, false) || !validTickerPart(code, true) {
		return Ticker{}, fmt.Errorf("%w: %q contains unsupported characters", ErrInvalidTicker, raw)
	}

	return Ticker{Exchange: exchange, Code: code, Raw: raw}, nil
}

// String returns the normalised ticker, exchange-qualified when an exchange was given
func (t Ticker) String() string {
	if t.Exchange == "" {
		return t.Code
	}
	return t.Exchange + ":" + t.Code
}

func validTickerPart(s string, allowPunct bool) bool {
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case allowPunct && (r == '.' || r == '-'):
		default:
			return false
		}
	}
	return true
}
