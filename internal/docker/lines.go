package docker

import (
	"bytes"
	"strings"
	"sync"
)

// lineWriter buffers stream bytes and emits one callback per complete
// line. Blank lines are dropped; a trailing partial line is emitted by
// Flush when the stream closes.
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(line string)
}

func newLineWriter(emit func(line string)) *lineWriter {
	return &lineWriter{emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			return len(p), nil
		}
		line := strings.TrimRight(string(data[:nl]), "\r")
		w.buf.Next(nl + 1)
		if strings.TrimSpace(line) != "" {
			w.emit(line)
		}
	}
}

// Flush emits any buffered partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if rest := strings.TrimSpace(w.buf.String()); rest != "" {
		w.emit(rest)
	}
	w.buf.Reset()
}
