package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harmonia/maestro/internal/api"
	mw "github.com/harmonia/maestro/internal/api/middleware"
	"github.com/harmonia/maestro/internal/store"
	"github.com/stretchr/testify/assert"
)

type countingCache struct {
	counter int64
}

func (c *countingCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error { return nil }
func (c *countingCache) Get(_ context.Context, _ string) ([]byte, bool, error) {
	return nil, false, nil
}
func (c *countingCache) Delete(_ context.Context, _ string) error { return nil }
func (c *countingCache) Ping(_ context.Context) error             { return nil }
func (c *countingCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	c.counter++
	return c.counter, nil
}

func newRouter() http.Handler {
	st := store.NewMemoryStore()
	return api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(&countingCache{}, 60),
		HealthHandler: func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
	})
}

func TestRouter_HealthIsPublic(t *testing.T) {
	router := newRouter()

	req := httptest.NewRequest("GET", "/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRouter_UnwiredRouteReturns501(t *testing.T) {
	router := newRouter()

	req := httptest.NewRequest("POST", "/v1/jobs", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestRouter_SubmitIsRateLimited(t *testing.T) {
	router := newRouter()

	req := httptest.NewRequest("POST", "/v1/jobs", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", w.Header().Get("X-RateLimit-Remaining"))
}

func TestRouter_ReportRequiresAuth(t *testing.T) {
	router := newRouter()

	req := httptest.NewRequest("POST", "/v1/jobs/report", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_AdminRequiresAuth(t *testing.T) {
	router := newRouter()

	req := httptest.NewRequest("GET", "/v1/admin/dead-letters", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRouter_RequestIDOnEveryResponse(t *testing.T) {
	router := newRouter()

	req := httptest.NewRequest("GET", "/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestRouter_UnknownRoute404(t *testing.T) {
	router := newRouter()

	req := httptest.NewRequest("GET", "/v1/unknown", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
