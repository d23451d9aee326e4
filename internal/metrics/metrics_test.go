package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetPlayerState(t *testing.T) {
	SetPlayerState("PAUSED")
	assert.Equal(t, 1.0, testutil.ToFloat64(PlayerState.WithLabelValues("PAUSED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(PlayerState.WithLabelValues("IDLE")))
}

func TestServerRoutes(t *testing.T) {
	Register()
	Register()

	srv := NewServer("127.0.0.1:0", true)
	for _, path := range []string{"/metrics", "/debug/pprof/"} {
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	NewServer("127.0.0.1:0", false).Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
