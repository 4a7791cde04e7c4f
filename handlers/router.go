package handlers

import (
	"net/http"
	"time"

	"clone-stats-service/metrics"
	"clone-stats-service/middleware"
	"clone-stats-service/utils"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RouterDeps groups what the HTTP layer needs
type RouterDeps struct {
	Report  *ReportHandler
	Limiter *middleware.RateLimiter
	Metrics *metrics.Metrics
	Log     logrus.FieldLogger

	// TrustedProxies may set X-Forwarded-For / X-Real-IP; nil trusts none
	TrustedProxies []string
}

// SetupRouter builds the gin engine
func SetupRouter(deps RouterDeps) (*gin.Engine, error) {
	router := gin.New()
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, err
	}
	router.Use(gin.Recovery())
	if deps.Log != nil {
		router.Use(middleware.RequestLogger(deps.Log))
	}
	if deps.Metrics != nil {
		router.Use(middleware.Metrics(deps.Metrics))
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	// Health check
	router.GET("/health", func(c *gin.Context) {
		utils.SuccessResponse(c, gin.H{"status": "ok", "time": time.Now().UTC()})
	})

	report := []gin.HandlerFunc{deps.Report.GetReport}
	if deps.Limiter != nil {
		report = append([]gin.HandlerFunc{deps.Limiter.Middleware()}, report...)
	}
	router.GET("/", report...)
	router.POST("/", report...)

	router.NoRoute(func(c *gin.Context) {
		utils.NotFoundResponse(c, http.StatusText(http.StatusNotFound))
	})

	return router, nil
}
