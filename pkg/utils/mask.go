package utils

import (
	"net/url"
	"regexp"
)

var dsnPasswordRegex = regexp.MustCompile(`(:)([^:@]+)(@)`)

// MaskDSN hides the password of a connection URL (postgres, amqp, nats, redis)
// so it can be logged. Unparseable input falls back to a regex that masks up
// to the first '@'.
func MaskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsnPasswordRegex.ReplaceAllString(dsn, ":***@")
	}
	if _, ok := u.User.Password(); !ok {
		return dsn
	}
	return u.Redacted()
}
