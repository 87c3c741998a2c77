package observability

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	tracesPath  = "/v1/traces"
	metricsPath = "/v1/metrics"
)

// signalURL resolves the full OTLP HTTP URL for one signal. The collector
// endpoint may be bare (host:port), carry a path prefix, or already include
// the signal path; query parameters survive untouched.
func signalURL(endpoint, signalPath string) (string, error) {
	if strings.TrimSpace(endpoint) == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	suffix := "/" + strings.Trim(strings.TrimSpace(signalPath), "/")

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}

	path := strings.TrimSuffix(parsed.Path, "/")
	switch {
	case path == "":
		parsed.Path = suffix
	case strings.HasSuffix(path, suffix):
		parsed.Path = path
	default:
		parsed.Path = path + suffix
	}

	return parsed.String(), nil
}

// grpcTarget extracts the host:port dial target from a gRPC collector
// endpoint and reports whether the connection should be insecure.
func grpcTarget(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.Contains(endpoint, "://") {
		// Bare host:port dials without TLS.
		return endpoint, true, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, err
	}
	if parsed.Host == "" {
		return "", false, fmt.Errorf("endpoint must include host")
	}

	switch parsed.Scheme {
	case "http", "grpc":
		return parsed.Host, true, nil
	case "https", "grpcs":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
}
