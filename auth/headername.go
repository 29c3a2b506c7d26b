package auth

import "strings"

// isTokenChar reports whether c may appear in an RFC 7230 header field name.
func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

// CanonicalHeaderName normalizes a header field name: every hyphen
// delimited word gets a leading capital with the rest lowered. Names with
// characters outside the RFC 7230 token set are returned unchanged. The
// transformation is idempotent.
func CanonicalHeaderName(name string) string {
	for i := 0; i < len(name); i++ {
		if !isTokenChar(name[i]) {
			return name
		}
	}
	var b strings.Builder
	b.Grow(len(name))
	upper := true
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case upper && 'a' <= c && c <= 'z':
			c -= 'a' - 'A'
		case !upper && 'A' <= c && c <= 'Z':
			c += 'a' - 'A'
		}
		b.WriteByte(c)
		upper = c == '-'
	}
	return b.String()
}
