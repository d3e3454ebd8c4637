package sslconn

import "github.com/effective-security/ofssl/internal/ratelog"

func newRateLimiter() *ratelog.Limiter {
	return ratelog.New(10, 25)
}
