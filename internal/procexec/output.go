package procexec

import (
	"bytes"
	"sync"
)

// outputBuffer merges stdout and stderr into one growable buffer and forwards
// every chunk to an optional listener. With a positive limit only the last
// limit bytes are kept; the buffer is compacted once it holds twice that.
type outputBuffer struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	limit    int
	onOutput func([]byte)
}

func (o *outputBuffer) Write(p []byte) (int, error) {
	o.mu.Lock()
	n, err := o.buf.Write(p)
	if o.limit > 0 && o.buf.Len() > 2*o.limit {
		o.buf.Next(o.buf.Len() - o.limit)
		tail := bytes.Clone(o.buf.Bytes())
		o.buf.Reset()
		o.buf.Write(tail)
	}
	o.mu.Unlock()
	if o.onOutput != nil && n > 0 {
		chunk := make([]byte, n)
		copy(chunk, p[:n])
		o.onOutput(chunk)
	}
	return n, err
}

func (o *outputBuffer) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	b := o.buf.Bytes()
	if o.limit > 0 && len(b) > o.limit {
		b = b[len(b)-o.limit:]
	}
	return string(b)
}

// retained is the number of bytes currently held.
func (o *outputBuffer) retained() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.Len()
}
