package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func ok(ctx context.Context) error { return nil }

func TestCheckerRegistry(t *testing.T) {
	tests := []struct {
		name     string
		checkers []Checker
		want     Status
		code     int
	}{
		{"empty", nil, StatusHealthy, http.StatusOK},
		{"all healthy", []Checker{NewCheckerFunc("a", ok), NewCheckerFunc("b", ok)}, StatusHealthy, http.StatusOK},
		{
			"open breaker degrades",
			[]Checker{NewCheckerFunc("a", ok), NewBreakerChecker(func() map[string]string {
				return map[string]string{"service:billing": "open", "orderer-store": "closed"}
			})},
			StatusDegraded, http.StatusOK,
		},
		{
			"failure wins over degraded",
			[]Checker{
				NewCheckerFunc("store", func(ctx context.Context) error { return errors.New("connection refused") }),
				NewCheckerFunc("broker", func(ctx context.Context) error { return ErrDegraded }),
			},
			StatusUnhealthy, http.StatusServiceUnavailable,
		},
	}

	gin.SetMode(gin.TestMode)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewCheckerRegistry()
			for _, c := range tt.checkers {
				reg.Register(c)
			}

			h := reg.Check(context.Background())
			assert.Equal(t, tt.want, h.Status)
			assert.Len(t, h.Checks, len(tt.checkers))

			r := gin.New()
			r.GET("/health", reg.Handler())
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tt.code, w.Code)
		})
	}
}
