package utils

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// GetScheme determines the scheme (http/https) from the request
func GetScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if scheme := r.Header.Get("X-Forwarded-Proto"); scheme == "https" || scheme == "http" {
		return scheme
	}
	return "http"
}

func IsStandardPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}

// ConstructURL builds a URL string and removes standard web ports if present
func ConstructURL(scheme, host, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	hostname, port, err := net.SplitHostPort(host)
	if err != nil {
		return fmt.Sprintf("%s://%s%s", scheme, host, path)
	}
	if port == "" || IsStandardPort(scheme, port) {
		return fmt.Sprintf("%s://%s%s", scheme, hostname, path)
	}
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(hostname, port), path)
}
