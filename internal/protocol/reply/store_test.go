package reply

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/labctl/internal/protocol/document"
	"github.com/danmuck/labctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reply(tag, marker string) document.Document {
	return document.New(document.NewElement(tag, []document.Attr{{Key: "id", Value: marker}}, ""))
}

func markerOf(doc document.Document) string {
	return doc.Kind().AttrOr("id", "")
}

func TestTakeFirstKeepsLaterSameTypeReply(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	s.Push(reply("A", "a1"))
	s.Push(reply("B", "b1"))
	s.Push(reply("A", "a2"))

	doc, ok := s.TakeFirst("A")
	require.True(t, ok)
	assert.Equal(t, "a1", markerOf(doc))

	doc, ok = s.TakeFirst("A")
	require.True(t, ok)
	assert.Equal(t, "a2", markerOf(doc))

	_, ok = s.TakeFirst("A")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestTakeLastReturnsMostRecentArrival(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	s.Push(reply("A", "a1"))
	s.Push(reply("B", "b1"))
	s.Push(reply("A", "a2"))

	doc, ok := s.TakeLast("A")
	require.True(t, ok)
	assert.Equal(t, "a2", markerOf(doc))

	doc, ok = s.TakeFirst("A")
	require.True(t, ok)
	assert.Equal(t, "a1", markerOf(doc))
}

func TestTakeMatchesTagSuffix(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	s.Push(reply("HardwareResponse", "hw"))
	s.Push(reply("GetResponse", "get"))

	doc, ok := s.TakeFirst("Response")
	require.True(t, ok)
	assert.Equal(t, "hw", markerOf(doc))

	_, ok = s.TakeFirst("Request")
	assert.False(t, ok)
}

func TestClearByTagAndAll(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	s.Push(reply("GetResponse", "1"))
	s.Push(reply("CheckShimResponse", "2"))
	s.Push(reply("GetResponse", "3"))

	assert.Equal(t, 2, s.Clear("GetResponse"))
	assert.Equal(t, []string{"CheckShimResponse"}, s.Tags())
	assert.Equal(t, 1, s.Clear(""))
	assert.Zero(t, s.Len())
}

func TestTakeFirstAfterDropsStaleMatches(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	s.Push(reply("GetResponse", "old"))
	s.Push(reply("HardwareResponse", "hw"))
	mark := s.LastSeq()
	s.Push(reply("GetResponse", "fresh"))

	p, stale, ok := s.TakeFirstAfter("GetResponse", mark)
	require.True(t, ok)
	assert.Equal(t, "fresh", markerOf(p.Doc))
	require.Len(t, stale, 1)
	assert.Equal(t, "old", markerOf(stale[0].Doc))
	assert.Equal(t, []string{"HardwareResponse"}, s.Tags())
}

func TestStoreConcurrentPushAndTake(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	const n = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			s.Push(reply("GetResponse", "x"))
		}
	}()

	var taken int
	var mu sync.Mutex
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				if _, ok := s.TakeFirst("GetResponse"); ok {
					mu.Lock()
					taken++
					done := taken == n
					mu.Unlock()
					if done {
						return
					}
					continue
				}
				mu.Lock()
				done := taken == n
				mu.Unlock()
				if done {
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, n, taken)
	assert.Zero(t, s.Len())
}

func TestWaitForReturnsImmediateMatch(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	s.Push(reply("GetResponse", "now"))
	w := NewWaiter(s, 50*time.Millisecond)

	start := time.Now()
	doc, err := w.WaitFor(context.Background(), "GetResponse", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "now", markerOf(doc))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitForPicksUpLateArrival(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	w := NewWaiter(s, 20*time.Millisecond)
	go func() {
		time.Sleep(60 * time.Millisecond)
		s.Push(reply("EstimateDurationResponse", "late"))
	}()
	doc, err := w.WaitFor(context.Background(), "EstimateDurationResponse", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late", markerOf(doc))
}

func TestWaitForTimesOutWithinOnePollInterval(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	w := NewWaiter(s, DefaultPollInterval)
	timeout := 200 * time.Millisecond

	start := time.Now()
	_, err := w.WaitFor(context.Background(), "NonexistentTag", timeout)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrNoReply)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+w.Interval()+50*time.Millisecond)
}

func TestLateReplyRemainsForNextWait(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	w := NewWaiter(s, 10*time.Millisecond)
	_, err := w.WaitFor(context.Background(), "GetResponse", 30*time.Millisecond)
	require.ErrorIs(t, err, ErrNoReply)

	s.Push(reply("GetResponse", "late"))
	doc, err := w.WaitFor(context.Background(), "GetResponse", 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "late", markerOf(doc))
}

func TestWaitForAfterSkipsStaleReply(t *testing.T) {
	testlog.Start(t)
	s := NewStore()
	w := NewWaiter(s, 10*time.Millisecond)
	s.Push(reply("GetResponse", "late-from-previous"))
	mark := s.LastSeq()

	_, err := w.WaitForAfter(context.Background(), "GetResponse", 40*time.Millisecond, mark)
	require.ErrorIs(t, err, ErrNoReply)
	assert.Zero(t, s.Len())
}

func TestWaitForHonoursContext(t *testing.T) {
	testlog.Start(t)
	w := NewWaiter(NewStore(), 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := w.WaitFor(ctx, "GetResponse", 5*time.Second)
	require.ErrorIs(t, err, context.Canceled)
}
