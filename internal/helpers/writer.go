package helpers

import (
	"bytes"
	"io"
	"sync"
)

// PrefixWriter is an io.Writer implementation that adds a prefix to each line.
// It buffers incomplete lines until a newline is received to ensure the prefix
// is only added at the beginning of complete lines.
type PrefixWriter struct {
	writer io.Writer
	prefix []byte
	buf    bytes.Buffer // Buffer to hold incomplete lines
	mu     sync.Mutex
}

func NewPrefixWriter(writer io.Writer, prefix string) *PrefixWriter {
	return &PrefixWriter{
		writer: writer,
		prefix: []byte(prefix),
	}
}

// Write implements the io.Writer interface. It buffers input until complete lines
// are available, then writes each line with the configured prefix. Incomplete lines
// are stored in the buffer until more data arrives or Flush is called.
func (pw *PrefixWriter) Write(p []byte) (n int, err error) {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	pw.buf.Write(p)

	for {
		line, err := pw.buf.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				pw.buf.Write(line) // Write back the incomplete line
				break
			}
			return n, err
		}

		if err := pw.writeLine(line); err != nil {
			return n, err
		}
	}

	return len(p), nil
}

// Flush writes any buffered partial line, terminated with a newline.
func (pw *PrefixWriter) Flush() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	if pw.buf.Len() == 0 {
		return nil
	}
	line := append(pw.buf.Bytes(), '\n')
	pw.buf.Reset()
	return pw.writeLine(line)
}

func (pw *PrefixWriter) writeLine(line []byte) error {
	if _, err := pw.writer.Write(pw.prefix); err != nil {
		return err
	}
	_, err := pw.writer.Write(line)
	return err
}
