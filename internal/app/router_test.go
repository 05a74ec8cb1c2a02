package app

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serviceorderhttp "github.com/aledz7/df-graficas-sub014/internal/serviceorder/http"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder/ledger"
	"github.com/aledz7/df-graficas-sub014/jobs"
)

func TestRouterHealthAndSecureHeaders(t *testing.T) {
	router := NewRouter(RouterParams{Config: &Config{AppEnv: "development"}})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRouterMountsOrderAPI(t *testing.T) {
	router := NewRouter(RouterParams{
		Config:       &Config{AppEnv: "development"},
		OrderHandler: serviceorderhttp.NewHandler(nil, nil, nil, ledger.New()),
		JobHandler:   jobs.NewHandler(nil, nil),
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/os/ledger/remove", nil)
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/receivables/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
