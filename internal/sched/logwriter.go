package sched

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Paintersrp/warden/internal/broker"
)

// OpenLog asks the child's session opener for a LOG session on the child's
// behalf. The returned session is subject to the child's policy like any
// other request.
func OpenLog(ctx context.Context, sessions broker.Opener) (broker.LogSession, error) {
	if sessions == nil {
		return nil, fmt.Errorf("open %s session: no session opener", broker.ServiceLog)
	}
	sess, err := sessions.OpenSession(ctx, broker.ServiceLog, "")
	if err != nil {
		return nil, err
	}
	logSess, ok := sess.(broker.LogSession)
	if !ok {
		_ = sess.Close()
		return nil, fmt.Errorf("open %s session: session does not accept lines", broker.ServiceLog)
	}
	return logSess, nil
}

// LogWriter turns a byte stream into LOG session lines. A LogWriter without
// a session discards its input.
type LogWriter struct {
	sess broker.LogSession

	mu  sync.Mutex
	buf bytes.Buffer
}

// NewLogWriter returns a writer forwarding complete lines to sess.
func NewLogWriter(sess broker.LogSession) *LogWriter {
	return &LogWriter{sess: sess}
}

func (w *LogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.buf.Write(p)
			break
		}
		w.buf.Write(p[:i])
		w.emit(w.buf.String())
		w.buf.Reset()
		p = p[i+1:]
	}
	return total, nil
}

func (w *LogWriter) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" || w.sess == nil {
		return
	}
	_ = w.sess.Write(line)
}

// Flush emits any buffered partial line.
func (w *LogWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() == 0 {
		return
	}
	w.emit(w.buf.String())
	w.buf.Reset()
}
