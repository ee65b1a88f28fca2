package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

// Version returns the release this binary was built from, or "dev" when the
// VERSION file is empty.
func Version() string {
	if v := strings.TrimSpace(version); v != "" {
		return v
	}
	return "dev"
}

// UserAgent identifies chargewindow to tariff APIs.
func UserAgent() string {
	return "chargewindow/" + Version()
}

// apiTransport stamps every tariff API request with our user agent and asks
// for JSON unless the caller already chose a format.
type apiTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *apiTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// a RoundTripper must leave the caller's request untouched
	out := req.Clone(req.Context())
	out.Header.Set("User-Agent", t.userAgent)
	if out.Header.Get("Accept") == "" {
		out.Header.Set("Accept", "application/json")
	}
	return t.base.RoundTrip(out)
}

// NewAPIClient returns the client used to talk to tariff APIs.
func NewAPIClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &apiTransport{base: http.DefaultTransport, userAgent: UserAgent()},
		Timeout:   timeout,
	}
}
