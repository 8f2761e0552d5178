package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	bytesAfterPrefix int
}

// Write writes len(p) bytes from p to the underlying data stream and returns
// back the number of bytes written. The PrefixWriter keeps track of the
// beginning of new lines and injects the configured prefix at each new line.
// The injected prefix is not included in the number of written bytes returned
// by this method.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var (
		written    int
		startIndex int
	)

	for curIndex := 0; curIndex < len(p); curIndex++ {
		if p[curIndex] != '\n' {
			continue
		}

		n, err := w.writeLine(p[startIndex : curIndex+1])
		written += n
		if err != nil {
			return written, err
		}

		w.bytesAfterPrefix = 0
		startIndex = curIndex + 1
	}

	if startIndex < len(p) {
		n, err := w.writeLine(p[startIndex:])
		written += n
		w.bytesAfterPrefix += n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}

// writeLine writes a line fragment, emitting the prefix first if the
// fragment starts a new line.
func (w *PrefixWriter) writeLine(p []byte) (int, error) {
	if w.bytesAfterPrefix == 0 {
		if _, err := w.Sink.Write(w.Prefix); err != nil {
			return 0, err
		}
	}

	return w.Sink.Write(p)
}
