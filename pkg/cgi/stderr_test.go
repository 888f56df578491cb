package cgi

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogWriter(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	w := &logWriter{log: zap.New(core)}

	w.Write([]byte("first li"))
	w.Write([]byte("ne\r\nsecond line\nthird"))
	assert.Equal(t, 2, logs.Len())

	w.flush()
	w.flush()

	var lines []string
	for _, e := range logs.All() {
		lines = append(lines, e.ContextMap()["line"].(string))
	}
	assert.Equal(t, []string{"first line", "second line", "third"}, lines)

	t.Run("will split overly long lines", func(t *testing.T) {
		core, logs := observer.New(zap.DebugLevel)
		w := &logWriter{log: zap.New(core)}

		w.Write([]byte(strings.Repeat("x", maxStderrLine+1)))
		assert.Equal(t, 1, logs.Len())
		assert.Empty(t, w.buf)
	})
}
