package cgi

import (
	"bytes"

	"go.uber.org/zap"
)

const maxStderrLine = 4096

// logWriter forwards a child's stderr to a logger one line at a time.
// os/exec feeds it from a single goroutine which finishes before Wait
// returns, so it needs no locking.
type logWriter struct {
	log *zap.Logger
	buf []byte
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxStderrLine {
		w.flush()
	}
	return len(p), nil
}

func (w *logWriter) flush() {
	if len(w.buf) == 0 {
		return
	}
	w.emit(w.buf)
	w.buf = nil
}

func (w *logWriter) emit(line []byte) {
	w.log.Warn("child stderr", zap.ByteString("line", bytes.TrimSuffix(line, []byte("\r"))))
}
