package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEarlyLog(t *testing.T) {
	var buf bytes.Buffer
	l := NewEarlyLogTo(&buf)

	l.Warn("config %s missing", "app.yaml")
	l.Error("bad value %d", 7)
	l.Info("ready")

	assert.Equal(t, "WARN: config app.yaml missing\nERROR: bad value 7\nINFO: ready\n", buf.String())
}
