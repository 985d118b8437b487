package middleware

import (
	"strings"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ledger-api/internal/monitoring"
)

type LoggingMiddleware struct {
	logger  *logrus.Logger
	metrics monitoring.MetricsService
	config  *LoggingConfig
}

type LoggingConfig struct {
	ExcludePaths         []string
	SlowRequestThreshold time.Duration
}

func DefaultLoggingConfig() *LoggingConfig {
	return &LoggingConfig{
		ExcludePaths:         []string{"/health", "/ready", "/metrics"},
		SlowRequestThreshold: 2 * time.Second,
	}
}

func NewLoggingMiddleware(logger *logrus.Logger, metrics monitoring.MetricsService, config *LoggingConfig) *LoggingMiddleware {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if config == nil {
		config = DefaultLoggingConfig()
	}
	return &LoggingMiddleware{
		logger:  logger,
		metrics: metrics,
		config:  config,
	}
}

// RequestLogger logs one structured line per request and feeds the HTTP
// metrics. Excluded paths are still counted, just not logged.
func (l *LoggingMiddleware) RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		if l.metrics != nil {
			l.metrics.RecordHTTPRequest(c.Request.Method, endpoint, c.Writer.Status(), duration)
		}

		if l.shouldExcludePath(c.Request.URL.Path) {
			return
		}

		entry := l.logger.WithFields(logrus.Fields{
			"request_id":    requestid.Get(c),
			"method":        c.Request.Method,
			"path":          c.Request.URL.Path,
			"status_code":   c.Writer.Status(),
			"latency":       duration.Milliseconds(),
			"client_ip":     c.ClientIP(),
			"user_agent":    c.Request.UserAgent(),
			"response_size": c.Writer.Size(),
		})
		if userID, exists := c.Get(ContextUserID); exists {
			entry = entry.WithField("user_id", userID)
		}
		if len(c.Errors) > 0 {
			entry = entry.WithField("error", c.Errors.String())
		}

		if duration > l.config.SlowRequestThreshold {
			entry = entry.WithField("slow_request", true)
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			entry.Error("Server error")
		case status >= 400:
			entry.Warn("Client error")
		case duration > l.config.SlowRequestThreshold:
			entry.Warn("Slow request detected")
		default:
			entry.Info("Request completed")
		}
	}
}

func (l *LoggingMiddleware) shouldExcludePath(path string) bool {
	for _, excluded := range l.config.ExcludePaths {
		if strings.HasPrefix(path, excluded) {
			return true
		}
	}
	return false
}
