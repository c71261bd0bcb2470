package wasm

import (
	"bytes"
	"strings"
	"sync"
)

// maxTail is the number of recent lines kept for error reports.
const maxTail = 32

// LineSink receives one line of core output, without the trailing newline.
type LineSink func(line string)

// lineWriter turns the byte stream a core writes to stdout/stderr into
// lines. Emscripten's print/printErr are line oriented too, so a core that
// writes partial lines is only forwarded once the newline arrives.
type lineWriter struct {
	mu   sync.Mutex
	sink LineSink
	buf  []byte
	tail []string
}

func newLineWriter(sink LineSink) *lineWriter {
	return &lineWriter{sink: sink}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits a pending partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}

// Tail returns the most recent lines, oldest first.
func (w *lineWriter) Tail() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]string, len(w.tail))
	copy(out, w.tail)
	return out
}

func (w *lineWriter) emit(line string) {
	line = strings.TrimSuffix(line, "\r")
	if len(w.tail) == maxTail {
		w.tail = append(w.tail[:0], w.tail[1:]...)
	}
	w.tail = append(w.tail, line)
	if w.sink != nil {
		w.sink(line)
	}
}
