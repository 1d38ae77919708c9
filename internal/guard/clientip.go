package guard

import (
	"net"
	"net/http"
	"strings"
)

// UnknownClient is the shared identity of requests with no usable client IP
// header. All such requests draw from one bucket.
const UnknownClient = "unknown"

// Platform headers set by the edge proxy, in order of precedence.
var platformIPHeaders = []string{
	"X-Vercel-Forwarded-For",
	"CF-Connecting-IP",
	"X-Real-IP",
}

// ClientIP resolves the rate limit identity of r. X-Forwarded-For is only
// read when trustForwardedFor is set, because any client can send it.
func ClientIP(r *http.Request, trustForwardedFor bool) string {
	for _, h := range platformIPHeaders {
		if ip := firstIP(r.Header.Get(h)); ip != "" {
			return ip
		}
	}
	if trustForwardedFor {
		if ip := firstIP(r.Header.Get("X-Forwarded-For")); ip != "" {
			return ip
		}
	}
	return UnknownClient
}

// firstIP returns the first comma separated entry if it parses as an IP.
func firstIP(v string) string {
	if v == "" {
		return ""
	}
	first, _, _ := strings.Cut(v, ",")
	first = strings.TrimSpace(first)
	if ip := net.ParseIP(first); ip != nil {
		return ip.String()
	}
	return ""
}
