package realtime

import (
	"fmt"
	"net/url"
	"strings"
)

// StreamURL derives the stream endpoint for channel name from the API base URL:
// http becomes ws, https becomes wss, and the path gains /stream/{name}.
func StreamURL(baseURL, name, token string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url has no host")
	}
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("empty channel name")
	}

	escapedPrefix := strings.TrimRight(u.EscapedPath(), "/")
	u.Path = strings.TrimRight(u.Path, "/") + "/stream/" + name
	u.RawPath = escapedPrefix + "/stream/" + url.PathEscape(name)

	q := url.Values{}
	q.Set("token", token)
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}
