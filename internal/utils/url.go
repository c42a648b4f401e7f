package utils

import (
	"net/url"
	"strings"
)

// NormalizeServerURL trims trailing slash and determines if TLS verification should be skipped
func NormalizeServerURL(serverURL string) (string, bool) {
	serverURL = strings.TrimSuffix(serverURL, "/")
	if !strings.Contains(serverURL, "://") {
		serverURL = "http://" + serverURL
	}
	useHTTPS := strings.HasPrefix(serverURL, "https://")
	skipTLSVerify := useHTTPS && (strings.Contains(serverURL, "localhost") ||
		strings.Contains(serverURL, "127.0.0.1"))
	return serverURL, skipTLSVerify
}

// ConstructWSURL turns an http(s) base URL into the ws(s) URL of path.
func ConstructWSURL(baseURL, path string, query url.Values) string {
	wsURL := baseURL
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	case !strings.HasPrefix(wsURL, "ws://") && !strings.HasPrefix(wsURL, "wss://"):
		wsURL = "ws://" + wsURL
	}

	wsURL = strings.TrimSuffix(wsURL, "/") + "/" + strings.TrimPrefix(path, "/")
	if len(query) > 0 {
		wsURL += "?" + query.Encode()
	}
	return wsURL
}
