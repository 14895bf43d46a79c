package audit

import (
	"net"
	"net/http"
	"strings"
)

// CallerInfo is the request provenance stored on a record
type CallerInfo struct {
	IP        string
	UserAgent string
}

// ExtractRequestContext reads caller provenance from r. The first
// X-Forwarded-For hop wins, then X-Real-IP, then the RemoteAddr host.
// Values that do not parse as an IP address are skipped.
func ExtractRequestContext(r *http.Request) CallerInfo {
	if r == nil {
		return CallerInfo{}
	}
	return CallerInfo{
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := parseIP(first); ip != "" {
			return ip
		}
	}

	if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return parseIP(host)
}

// parseIP returns the canonical form of s, or "" when s is not an IP address.
func parseIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}
