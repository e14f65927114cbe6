package common

import (
	"fmt"
	"net/url"
	"strings"
)

// DeriveWebSocketOrigin converts an HTTP service URL into the ws(s) origin the
// progress feed is served from. Path, query and fragment are dropped.
//
// Examples:
//   - "http://localhost:8000/api" -> "ws://localhost:8000"
//   - "https://research.example.com" -> "wss://research.example.com"
//   - "wss://feed.example.com/" -> "wss://feed.example.com"
func DeriveWebSocketOrigin(serviceURL string) (string, error) {
	parsedURL, err := url.Parse(strings.TrimSpace(serviceURL))
	if err != nil {
		return "", fmt.Errorf("failed to parse service URL %q: %w", serviceURL, err)
	}
	if parsedURL.Host == "" {
		return "", fmt.Errorf("service URL %q has no host", serviceURL)
	}

	var scheme string
	switch strings.ToLower(parsedURL.Scheme) {
	case "http", "ws":
		scheme = "ws"
	case "https", "wss":
		scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q in service URL %q", parsedURL.Scheme, serviceURL)
	}

	return fmt.Sprintf("%s://%s", scheme, parsedURL.Host), nil
}

// BuildProgressURL returns the per-job feed URL: origin + prefix + escaped job ID
func BuildProgressURL(origin, pathPrefix, jobID string) string {
	return joinPath(origin, pathPrefix, url.PathEscape(jobID))
}

// joinPath safely joins path segments, preventing duplicate slashes
func joinPath(segments ...string) string {
	result := ""
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if result == "" {
			result = seg
		} else if result[len(result)-1] == '/' {
			if seg[0] == '/' {
				result += seg[1:]
			} else {
				result += seg
			}
		} else {
			if seg[0] == '/' {
				result += seg
			} else {
				result += "/" + seg
			}
		}
	}
	return result
}
