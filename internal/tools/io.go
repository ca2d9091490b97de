package tools

import "bytes"

// newByteReader wraps a byte slice as the WASI stdin for one invocation.
func newByteReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}

// byteWriter collects WASI stdout for one invocation.
type byteWriter struct {
	buf []byte
}

func (w *byteWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// discardWriter drops WASI stderr; sandboxed hooks have no console.
type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
