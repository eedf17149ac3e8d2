package frame

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/danmuck/labctl/internal/protocol/document"
	"github.com/danmuck/labctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	frameA = document.Declaration + "\r\n<Message><GetResponse><Solvent>DMSO</Solvent></GetResponse></Message>\r\n"
	frameB = document.Declaration + "<Message><StatusNotification><Progress percentage=\"40\"/></StatusNotification></Message>"
	frameC = document.Declaration + "<Message><HardwareResponse><ConnectedToHardware>true</ConnectedToHardware></HardwareResponse></Message>\n"
	broken = document.Declaration + "<Message><GetResponse><Solvent>DM</Message>"
)

func parseAll(t *testing.T, fragments [][]byte) []string {
	t.Helper()
	var tags []string
	for _, f := range fragments {
		doc, err := document.Parse(f)
		if err != nil {
			continue
		}
		tags = append(tags, doc.Tag()+"|"+doc.String())
	}
	return tags
}

func splitWhole(t *testing.T, stream string) []string {
	t.Helper()
	s := NewSplitter()
	s.Feed([]byte(stream))
	out := s.Drain()
	if rest := s.Flush(); rest != nil {
		out = append(out, rest)
	}
	return parseAll(t, out)
}

func splitChunked(t *testing.T, stream string, chunk func() int) []string {
	t.Helper()
	s := NewSplitter()
	var out [][]byte
	data := []byte(stream)
	for len(data) > 0 {
		n := chunk()
		if n > len(data) {
			n = len(data)
		}
		s.Feed(data[:n])
		data = data[n:]
		out = append(out, s.Drain()...)
	}
	if rest := s.Flush(); rest != nil {
		out = append(out, rest)
	}
	return parseAll(t, out)
}

func TestDrainSplitsAtMarker(t *testing.T) {
	testlog.Start(t)
	s := NewSplitter()
	s.Feed([]byte(frameA + frameB + frameC))
	got := s.Drain()
	require.Len(t, got, 3)
	assert.Equal(t, strings.TrimRight(frameA, "\r\n"), string(got[0]))
	assert.Equal(t, frameB, string(got[1]))
	assert.Equal(t, strings.TrimRight(frameC, "\n"), string(got[2]))
	assert.Zero(t, s.Pending())
}

func TestDrainRetainsIncompleteTail(t *testing.T) {
	testlog.Start(t)
	s := NewSplitter()
	half := len(frameB) / 2
	s.Feed([]byte(frameA + frameB[:half]))
	got := s.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, half, s.Pending())

	s.Feed([]byte(frameB[half:]))
	got = s.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, frameB, string(got[0]))
}

func TestFramingIsIndependentOfChunking(t *testing.T) {
	testlog.Start(t)
	assertChunkingInvariant(t, frameA+frameB+frameC+frameA+frameB, 5)
}

func TestJunkBetweenFramesIsIndependentOfChunking(t *testing.T) {
	testlog.Start(t)
	abort := document.Declaration + "<Message><Abort/></Message>"
	stream := frameB + "<Junk/>" + abort + "tail</Message>" + frameA
	assertChunkingInvariant(t, stream, 3)

	split := len(frameB)
	s := NewSplitter()
	s.Feed([]byte(stream[:split]))
	require.Len(t, s.Drain(), 1)
	s.Feed([]byte(stream[split:]))
	require.Len(t, s.Drain(), 2)
	assert.Equal(t, 2, s.FramingErrors())

	whole := NewSplitter()
	whole.Feed([]byte(stream))
	require.Len(t, whole.Drain(), 3)
	assert.Equal(t, 2, whole.FramingErrors())
}

func assertChunkingInvariant(t *testing.T, stream string, docs int) {
	t.Helper()
	want := splitWhole(t, stream)
	require.Len(t, want, docs)

	for size := 1; size <= len(frameA)+3; size++ {
		n := size
		got := splitChunked(t, stream, func() int { return n })
		require.Equal(t, want, got, "chunk size %d", size)
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		got := splitChunked(t, stream, func() int { return 1 + rng.Intn(64) })
		require.Equal(t, want, got, "random round %d", i)
	}
}

func TestMalformedFrameIsDroppedWhole(t *testing.T) {
	testlog.Start(t)
	s := NewSplitter()
	s.Feed([]byte(frameA + broken + frameC))
	fragments := s.Drain()
	require.Len(t, fragments, 3)

	var docs []document.Document
	var failures int
	for _, f := range fragments {
		doc, err := document.Parse(f)
		if err != nil {
			failures++
			continue
		}
		docs = append(docs, doc)
	}
	assert.Equal(t, 1, failures)
	require.Len(t, docs, 2)
	assert.Equal(t, "GetResponse", docs[0].Tag())
	assert.Equal(t, "HardwareResponse", docs[1].Tag())
}

func TestBytesBeforeFirstMarkerAreFramingError(t *testing.T) {
	testlog.Start(t)
	s := NewSplitter()
	s.Feed([]byte("garbage" + frameA))
	got := s.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, frameA, string(got[0]))
	assert.Equal(t, 1, s.FramingErrors())
}

func TestLeadingWhitespaceIsNotFramingError(t *testing.T) {
	testlog.Start(t)
	s := NewSplitter()
	s.Feed([]byte("\r\n" + frameB))
	require.Len(t, s.Drain(), 1)
	assert.Zero(t, s.FramingErrors())
}

func TestNoMarkerWaitsForMoreBytes(t *testing.T) {
	testlog.Start(t)
	s := NewSplitter()
	s.Feed([]byte(frameB[:10]))
	assert.Empty(t, s.Drain())
	assert.Equal(t, 10, s.Pending())
	assert.Zero(t, s.FramingErrors())
}

func TestOverflowDropsUnframedBytes(t *testing.T) {
	testlog.Start(t)
	s := NewSplitter(WithMaxBuffer(64))
	s.Feed(make([]byte, 200))
	s.Feed([]byte("xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"))
	assert.Empty(t, s.Drain())
	assert.Less(t, s.Pending(), len(document.Declaration))
	assert.Equal(t, 1, s.FramingErrors())

	s.Feed([]byte(frameB))
	got := s.Drain()
	require.Len(t, got, 1)
}

func TestFlushReturnsBufferedFrame(t *testing.T) {
	testlog.Start(t)
	s := NewSplitter()
	partial := document.Declaration + "<Message><Abort/>"
	s.Feed([]byte(partial))
	assert.Empty(t, s.Drain())
	assert.Equal(t, partial, string(s.Flush()))
	assert.Zero(t, s.Pending())
}
