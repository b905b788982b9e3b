package proxy

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"
)

// credentialMatches reports whether a Proxy-Authorization value carries
// token, either verbatim or as a Basic credential whose decoded payload is
// token (token is then usually "user:pass").
func credentialMatches(header, token string) bool {
	if scheme, payload, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Basic") {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
		if err == nil && subtle.ConstantTimeCompare(decoded, []byte(token)) == 1 {
			return true
		}
	}
	return subtle.ConstantTimeCompare([]byte(header), []byte(token)) == 1
}
