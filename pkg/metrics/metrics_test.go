package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterAllIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		RegisterAll()
		RegisterAll()
	})
}

func TestObserveQuery(t *testing.T) {
	before := testutil.ToFloat64(DatabaseQueriesTotal.WithLabelValues("postgres", "claim", "error"))
	ObserveQuery("postgres", "claim", time.Now(), errors.New("boom"))
	after := testutil.ToFloat64(DatabaseQueriesTotal.WithLabelValues("postgres", "claim", "error"))
	assert.Equal(t, before+1, after)
}

func TestSetDLQEntries(t *testing.T) {
	SetDLQEntries("pending", 7)
	assert.Equal(t, float64(7), testutil.ToFloat64(DLQEntriesByStatus.WithLabelValues("pending")))
}
