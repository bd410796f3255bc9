package sidecar

import (
	"bytes"
	"sync"
)

// lineSplitter turns output chunks into complete lines.
type lineSplitter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(line string)
}

func (l *lineSplitter) write(chunk []byte) {
	l.mu.Lock()
	l.buf = append(l.buf, chunk...)
	var lines []string
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(l.buf[:i], "\r")))
		l.buf = l.buf[i+1:]
	}
	l.mu.Unlock()
	for _, line := range lines {
		l.emit(line)
	}
}

func (l *lineSplitter) flush() {
	l.mu.Lock()
	rest := string(bytes.TrimRight(l.buf, "\r"))
	l.buf = nil
	l.mu.Unlock()
	if rest != "" {
		l.emit(rest)
	}
}
