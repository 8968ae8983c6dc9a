package httputil

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// LoggingTransport is an http.RoundTripper that logs outbound requests.
type LoggingTransport struct {
	Transport http.RoundTripper
	Logger    *zap.Logger
}

// RoundTrip implements http.RoundTripper.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	transport := t.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if t.Logger == nil {
		return transport.RoundTrip(req)
	}

	start := time.Now()
	resp, err := transport.RoundTrip(req)
	fields := []zap.Field{
		zap.String("method", req.Method),
		zap.String("url", req.URL.String()),
		zap.Duration("took", time.Since(start)),
	}
	if err != nil {
		t.Logger.Debug("outbound request failed", append(fields, zap.Error(err))...)
		return nil, err
	}
	t.Logger.Debug("outbound request", append(fields, zap.Int("status", resp.StatusCode))...)
	return resp, nil
}

// NewLoggingClient creates an HTTP client with optional request logging.
// A nil logger disables logging entirely.
func NewLoggingClient(timeout time.Duration, logger *zap.Logger) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &LoggingTransport{
			Transport: http.DefaultTransport,
			Logger:    logger,
		},
	}
}
