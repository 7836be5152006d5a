// Package lines turns a chunked byte stream into complete text lines.
package lines

import (
	"bytes"
	"strings"
)

// Splitter buffers an in-progress line across Write calls and hands every
// completed, non-blank line to its callback in arrival order.
//
// Lines are split on '\n' at the byte level. UTF-8 never uses 0x0A inside a
// multi-byte sequence, so a character whose bytes straddle two chunks stays
// in the pending buffer until the rest arrives and is delivered intact.
type Splitter struct {
	pending []byte
	emit    func(line string)
}

// NewSplitter creates a splitter that calls emit for each line
func NewSplitter(emit func(line string)) *Splitter {
	return &Splitter{emit: emit}
}

// Write consumes one chunk. It never fails; the error is for io.Writer.
func (s *Splitter) Write(chunk []byte) (int, error) {
	data := chunk
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		if len(s.pending) > 0 {
			s.pending = append(s.pending, data[:i]...)
			s.deliver(s.pending)
			s.pending = s.pending[:0]
		} else {
			s.deliver(data[:i])
		}
		data = data[i+1:]
	}
	s.pending = append(s.pending, data...)
	return len(chunk), nil
}

// Flush delivers any retained partial line
func (s *Splitter) Flush() {
	if len(s.pending) == 0 {
		return
	}
	line := s.pending
	s.pending = nil
	s.deliver(line)
}

// Pending returns the number of buffered bytes not yet delivered
func (s *Splitter) Pending() int {
	return len(s.pending)
}

func (s *Splitter) deliver(raw []byte) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return
	}
	s.emit(strings.ToValidUTF8(string(line), "�"))
}
