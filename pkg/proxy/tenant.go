package proxy

import (
	"net"
	"strings"
)

// TenantFromHost derives the cache namespace from a Host header value:
// the first label of a name with at least three labels, so abc.dejafoo.io
// and abc.dejafoo.io:8080 both map to "abc". Localhost and IP addresses
// have no tenant.
func TenantFromHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")

	if host == "" || strings.HasPrefix(host, "localhost") || net.ParseIP(host) != nil {
		return ""
	}

	labels := strings.Split(host, ".")
	if len(labels) < 3 || labels[0] == "" {
		return ""
	}
	return labels[0]
}
