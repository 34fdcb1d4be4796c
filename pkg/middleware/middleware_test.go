package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"conductor/internal/constants"
	"conductor/pkg/logging"
)

type captureLogger struct {
	infos  []string
	errors []string
}

func (l *captureLogger) Infow(msg string, keysAndValues ...interface{})  { l.infos = append(l.infos, msg) }
func (l *captureLogger) Errorw(msg string, keysAndValues ...interface{}) { l.errors = append(l.errors, msg) }

type seenIDs struct {
	correlationID string
	traceID       string
}

func newRouter(log *captureLogger) (*gin.Engine, *seenIDs) {
	gin.SetMode(gin.TestMode)
	seen := &seenIDs{}
	r := gin.New()
	r.Use(RecoveryMiddleware(log), LoggerMiddleware(log), RequestIDMiddleware(), CorrelationMiddleware())
	r.GET("/ok", func(c *gin.Context) {
		seen.correlationID = logging.GetCorrelationID(c.Request.Context())
		seen.traceID = logging.GetTraceID(c.Request.Context())
		c.Status(http.StatusOK)
	})
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	return r, seen
}

func TestCorrelationMiddleware_PropagatesHeaders(t *testing.T) {
	r, seen := newRouter(&captureLogger{})

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(constants.HeaderCorrelationID, "corr-1")
	req.Header.Set(constants.HeaderTraceID, "trace-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "corr-1", seen.correlationID)
	assert.Equal(t, "trace-1", seen.traceID)
	assert.Equal(t, "corr-1", w.Header().Get(constants.HeaderCorrelationID))
}

func TestCorrelationMiddleware_FallsBackToRequestID(t *testing.T) {
	r, seen := newRouter(&captureLogger{})

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(constants.HeaderRequestID, "req-9")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-9", seen.correlationID)
	assert.Equal(t, "req-9", w.Header().Get(constants.HeaderRequestID))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.NotEmpty(t, seen.correlationID)
	assert.Equal(t, w.Header().Get(constants.HeaderRequestID), seen.correlationID)
}

func TestRecoveryMiddleware(t *testing.T) {
	log := &captureLogger{}
	r, _ := newRouter(log)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal server error","error_code":"INTERNAL_ERROR"}`, w.Body.String())
	assert.Contains(t, log.errors, "Panic recovered")
}
