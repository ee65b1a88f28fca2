package common

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersion(t *testing.T) {
	orig := version
	t.Cleanup(func() { version = orig })

	version = "1.4.2\n"
	assert.Equal(t, "1.4.2", Version())
	assert.Equal(t, "chargewindow/1.4.2", UserAgent())

	version = "  "
	assert.Equal(t, "dev", Version())
}

func TestNewAPIClient(t *testing.T) {
	// echo what the server saw
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Agent", r.Header.Get("User-Agent"))
		w.Header().Set("X-Seen-Accept", r.Header.Get("Accept"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewAPIClient(5 * time.Second)
	assert.Equal(t, 5*time.Second, client.Timeout)

	t.Run("defaults", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, server.URL+"/products/", nil)
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, UserAgent(), resp.Header.Get("X-Seen-Agent"))
		assert.Equal(t, "application/json", resp.Header.Get("X-Seen-Accept"))
		// the caller's request is not modified
		assert.Empty(t, req.Header.Get("User-Agent"))
		assert.Empty(t, req.Header.Get("Accept"))
	})

	t.Run("caller accept wins", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, server.URL, nil)
		require.NoError(t, err)
		req.Header.Set("Accept", "text/csv")
		req.Header.Set("User-Agent", "curl/8.0")
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, "text/csv", resp.Header.Get("X-Seen-Accept"))
		assert.Equal(t, UserAgent(), resp.Header.Get("X-Seen-Agent"))
	})
}
