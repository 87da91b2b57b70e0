package tcp

import "bytes"

// Frame is one newline-terminated line taken from the stream
type Frame struct {
	Content   string
	Size      int
	Oversized bool
}

// LineBuffer reassembles newline-delimited lines across reads. Content past
// maxSize is not retained: an over-long line is reported once, as an
// Oversized frame, when its terminator arrives.
type LineBuffer struct {
	buf        []byte
	maxSize    int
	discarding bool
	discarded  int
}

// NewLineBuffer creates a line buffer that rejects lines longer than maxSize bytes
func NewLineBuffer(maxSize int) *LineBuffer {
	return &LineBuffer{maxSize: maxSize}
}

// Feed appends data and returns every line it completes, in order. A trailing
// "\r" is stripped so CRLF senders are accepted.
func (b *LineBuffer) Feed(data []byte) []Frame {
	var frames []Frame

	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			b.retain(data)
			break
		}

		chunk := data[:i]
		data = data[i+1:]

		if b.discarding {
			frames = append(frames, Frame{Size: b.discarded + len(chunk), Oversized: true})
			b.discarding = false
			b.discarded = 0
			continue
		}

		size := len(b.buf) + len(chunk)
		if size > b.maxSize {
			frames = append(frames, Frame{Size: size, Oversized: true})
			b.buf = b.buf[:0]
			continue
		}

		line := append(b.buf, chunk...)
		line = bytes.TrimSuffix(line, []byte{'\r'})
		frames = append(frames, Frame{Content: string(line), Size: size})
		b.buf = b.buf[:0]
	}

	return frames
}

func (b *LineBuffer) retain(partial []byte) {
	if b.discarding {
		b.discarded += len(partial)
		return
	}
	if len(b.buf)+len(partial) > b.maxSize {
		b.discarding = true
		b.discarded = len(b.buf) + len(partial)
		b.buf = b.buf[:0]
		return
	}
	b.buf = append(b.buf, partial...)
}

// Pending returns the partial line held for the next Feed
func (b *LineBuffer) Pending() string {
	return string(b.buf)
}
