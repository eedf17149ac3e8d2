// Package frame splits the inbound byte stream into candidate documents.
//
// A frame starts at the XML declaration marker and ends at the first closing
// root tag, or at the next marker when no closing tag comes first. Other bytes
// do not belong to any frame and are reported as framing errors.
package frame

import (
	"bytes"
	"errors"

	"github.com/danmuck/labctl/internal/observability"
	"github.com/danmuck/labctl/internal/protocol/document"
	"github.com/rs/zerolog/log"
)

var ErrFraming = errors.New("frame: bytes outside of a frame")

const DefaultMaxBuffer = 16 * 1024 * 1024

var closeTag = []byte("</" + document.RootTag + ">")
var emptyRoot = []byte("<" + document.RootTag + "/>")

// Splitter accumulates stream bytes and cuts them at the frame marker.
// It is owned by a single reader goroutine and is not safe for concurrent use.
type Splitter struct {
	marker    []byte
	buf       []byte
	maxBuffer int

	framingErrors int
}

type Option func(*Splitter)

// WithMarker overrides the frame marker.
func WithMarker(marker string) Option {
	return func(s *Splitter) { s.marker = []byte(marker) }
}

// WithMaxBuffer bounds how many unframed bytes are retained.
func WithMaxBuffer(n int) Option {
	return func(s *Splitter) { s.maxBuffer = n }
}

func NewSplitter(opts ...Option) *Splitter {
	s := &Splitter{
		marker:    []byte(document.Declaration),
		maxBuffer: DefaultMaxBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Feed appends raw bytes.
func (s *Splitter) Feed(p []byte) {
	s.buf = append(s.buf, p...)
}

// Drain returns every complete fragment currently buffered. A fragment is
// complete once its closing root tag or the next marker is buffered; where it
// ends never depends on how the stream was chunked.
func (s *Splitter) Drain() [][]byte {
	var out [][]byte
	for {
		idx := bytes.Index(s.buf, s.marker)
		if idx < 0 {
			break
		}
		if idx > 0 {
			s.discard(s.buf[:idx])
			s.buf = s.buf[idx:]
		}
		end := frameEnd(s.buf, len(s.marker))
		if next := bytes.Index(s.buf[len(s.marker):], s.marker); next >= 0 {
			if cut := len(s.marker) + next; end < 0 || cut < end {
				end = cut
			}
		}
		if end < 0 {
			break
		}
		out = append(out, bytes.Clone(s.buf[:end]))
		s.buf = s.buf[end:]
	}
	s.checkOverflow()
	if len(bytes.TrimSpace(s.buf)) == 0 {
		s.buf = nil
	}
	return out
}

// Flush returns whatever frame is still buffered and resets the splitter.
func (s *Splitter) Flush() []byte {
	defer func() { s.buf = nil }()
	if !bytes.HasPrefix(s.buf, s.marker) {
		s.discard(s.buf)
		return nil
	}
	return bytes.Clone(s.buf)
}

// Pending reports the number of buffered bytes.
func (s *Splitter) Pending() int { return len(s.buf) }

// FramingErrors counts discarded non-whitespace runs outside of frames.
func (s *Splitter) FramingErrors() int { return s.framingErrors }

func (s *Splitter) discard(junk []byte) {
	if len(bytes.TrimSpace(junk)) == 0 {
		return
	}
	s.framingErrors++
	observability.RecordFrame(observability.FrameFramingError)
	log.Warn().
		Str("component", "frame").
		Int("bytes", len(junk)).
		Err(ErrFraming).
		Msg("discarding bytes before frame marker")
}

func (s *Splitter) checkOverflow() {
	if s.maxBuffer <= 0 || len(s.buf) <= s.maxBuffer {
		return
	}
	if bytes.HasPrefix(s.buf, s.marker) {
		s.discard(s.buf)
		s.buf = nil
		return
	}
	keep := len(s.marker) - 1
	s.discard(s.buf[:len(s.buf)-keep])
	s.buf = append([]byte(nil), s.buf[len(s.buf)-keep:]...)
}

// frameEnd returns the offset just past the first closing root tag at or
// after from, or -1 when none is buffered yet.
func frameEnd(buf []byte, from int) int {
	end := -1
	for _, tag := range [][]byte{closeTag, emptyRoot} {
		if i := bytes.Index(buf[from:], tag); i >= 0 {
			if e := from + i + len(tag); end < 0 || e < end {
				end = e
			}
		}
	}
	return end
}
