package framer

import "bytes"

const terminator = '\n'

// Framer reassembles newline-delimited lines from arbitrarily sized chunks of a byte stream.
// It is not goroutine-safe; it is meant to be owned by the single reader of a stream.
type Framer struct {
	// buf holds the fragments seen since the last terminator. None of them contain a terminator.
	buf [][]byte
	n   int
}

// Feed consumes a chunk and returns the lines completed by it, in order, without their terminators.
// The chunk is not retained, so callers may reuse it after Feed returns.
func (f *Framer) Feed(chunk []byte) [][]byte {
	var lines [][]byte
	for {
		i := bytes.IndexByte(chunk, terminator)
		if i < 0 {
			break
		}
		lines = append(lines, f.take(chunk[:i]))
		chunk = chunk[i+1:]
	}
	if len(chunk) > 0 {
		frag := make([]byte, len(chunk))
		copy(frag, chunk)
		f.buf = append(f.buf, frag)
		f.n += len(frag)
	}
	return lines
}

// Buffered returns the number of bytes waiting for a terminator.
func (f *Framer) Buffered() int {
	return f.n
}

// take joins the buffered fragments with tail and clears the buffer.
func (f *Framer) take(tail []byte) []byte {
	line := make([]byte, 0, f.n+len(tail))
	for _, frag := range f.buf {
		line = append(line, frag...)
	}
	line = append(line, tail...)
	clear(f.buf)
	f.buf = f.buf[:0]
	f.n = 0
	return line
}
