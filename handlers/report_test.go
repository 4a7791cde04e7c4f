package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clone-stats-service/database"
	"clone-stats-service/metrics"
	"clone-stats-service/middleware"
	"clone-stats-service/models"
	"clone-stats-service/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var target = models.RepositoryTarget{Owner: "alibaba", Name: "yalantinglibs"}

func newTestRouter(t *testing.T, limiter *middleware.RateLimiter) *gin.Engine {
	t.Helper()
	ctx := context.Background()

	reg := database.NewRegistry(t.TempDir())
	t.Cleanup(func() { reg.Close() })

	store, err := reg.Store(target.StorageName())
	require.NoError(t, err)
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.UpsertBatch(ctx, []models.CloneRecord{
		{Timestamp: "2023-07-10T00:00:00Z", Count: 5, Uniques: 3, UnixTime: 1688947200},
	}))

	svc := services.NewReportService([]models.RepositoryTarget{target}, reg, 0)
	svc.Now = func() time.Time { return time.Date(2023, 7, 24, 12, 0, 0, 0, time.UTC) }

	log, _ := test.NewNullLogger()
	router, err := SetupRouter(RouterDeps{
		Report:  NewReportHandler(svc),
		Limiter: limiter,
		Metrics: metrics.New(prometheus.NewRegistry()),
		Log:     log,
	})
	require.NoError(t, err)
	return router
}

func TestGetReportPlainText(t *testing.T) {
	router := newTestRouter(t, nil)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		t.Run(method, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(method, "/", nil))

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
			assert.Equal(t,
				"Mon, 24 Jul 2023 12:00:00 GMT yalantinglibs unique clones: 3, details:\n2023-07-10T00:00:00Z, 5, 3\n\n",
				w.Body.String())
		})
	}
}

func TestGetReportJSON(t *testing.T) {
	router := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/?format=json", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Repos []repoReportResponse `json:"repos"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	require.Len(t, body.Data.Repos, 1)
	assert.Equal(t, int64(3), body.Data.Repos[0].TotalUniqueCloners)
	assert.Equal(t, []dayResponse{{Timestamp: "2023-07-10T00:00:00Z", Count: 5, Uniques: 3}}, body.Data.Repos[0].Days)
	assert.Empty(t, body.Data.Repos[0].Error)
}

func TestReportRouteIsRateLimited(t *testing.T) {
	router := newTestRouter(t, middleware.NewRateLimiter(1, time.Minute, time.Minute))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	router := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "clonestats_http_requests_total")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimitIgnoresSpoofedForwardingHeaders(t *testing.T) {
	router := newTestRouter(t, middleware.NewRateLimiter(1, time.Minute, time.Minute))

	codes := make([]int, 0, 3)
	for _, ip := range []string{"203.0.113.1", "203.0.113.2", "203.0.113.3"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Forwarded-For", ip)
		req.Header.Set("X-Real-IP", ip)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
}

func TestSetupRouterRejectsBadProxy(t *testing.T) {
	_, err := SetupRouter(RouterDeps{TrustedProxies: []string{"not-an-ip"}})
	assert.Error(t, err)
}
