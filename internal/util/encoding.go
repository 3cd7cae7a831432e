package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeHost canonicalizes a client hostname for storage: surrounding
// whitespace and a trailing root dot are dropped, the result is NFC-normalized
// and lower-cased.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(norm.NFC.String(host))
}
