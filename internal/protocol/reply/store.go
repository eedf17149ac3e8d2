// Package reply correlates inbound documents with outstanding requests.
//
// The instrument sends no request id. A reply is matched by the suffix of its
// message-kind tag, so callers must keep at most one request per tag in flight.
package reply

import (
	"strings"
	"sync"
	"time"

	"github.com/danmuck/labctl/internal/protocol/document"
)

// Pending is one unconsumed reply and its arrival order.
type Pending struct {
	Doc document.Document
	Seq uint64
	At  time.Time
}

// Store keeps replies in arrival order until they are taken or cleared.
// There is no capacity bound; sessions are short lived and the session clears
// the store on close.
type Store struct {
	mu    sync.Mutex
	items []Pending
	seq   uint64
	now   func() time.Time
}

func NewStore() *Store {
	return &Store{now: time.Now}
}

func matches(doc document.Document, tag string) bool {
	return strings.HasSuffix(doc.Tag(), tag)
}

// Push appends doc and returns its arrival sequence number.
func (s *Store) Push(doc document.Document) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.items = append(s.items, Pending{Doc: doc, Seq: s.seq, At: s.now()})
	return s.seq
}

// LastSeq is the sequence number of the most recent Push, or 0.
func (s *Store) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// TakeFirst removes and returns the oldest reply whose tag ends with tag.
func (s *Store) TakeFirst(tag string) (document.Document, bool) {
	p, ok := s.take(tag, true)
	return p.Doc, ok
}

// TakeLast removes and returns the newest reply whose tag ends with tag.
func (s *Store) TakeLast(tag string) (document.Document, bool) {
	p, ok := s.take(tag, false)
	return p.Doc, ok
}

func (s *Store) take(tag string, first bool) (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	if first {
		for i := range s.items {
			if matches(s.items[i].Doc, tag) {
				idx = i
				break
			}
		}
	} else {
		for i := len(s.items) - 1; i >= 0; i-- {
			if matches(s.items[i].Doc, tag) {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return Pending{}, false
	}
	p := s.items[idx]
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	return p, true
}

// TakeFirstAfter removes every match with Seq <= mark and returns them as
// stale, then takes the oldest remaining match.
func (s *Store) TakeFirstAfter(tag string, mark uint64) (Pending, []Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []Pending
	kept := s.items[:0]
	found := -1
	for _, p := range s.items {
		switch {
		case found >= 0 || !matches(p.Doc, tag):
			kept = append(kept, p)
		case p.Seq <= mark:
			stale = append(stale, p)
		default:
			found = len(kept)
			kept = append(kept, p)
		}
	}
	s.items = kept
	if found < 0 {
		return Pending{}, stale, false
	}
	p := s.items[found]
	s.items = append(s.items[:found], s.items[found+1:]...)
	return p, stale, true
}

// Clear removes every reply whose tag ends with tag; an empty tag removes all.
// It returns the number removed.
func (s *Store) Clear(tag string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tag == "" {
		n := len(s.items)
		s.items = nil
		return n
	}
	kept := s.items[:0]
	for _, p := range s.items {
		if !matches(p.Doc, tag) {
			kept = append(kept, p)
		}
	}
	n := len(s.items) - len(kept)
	s.items = kept
	return n
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Tags lists the pending tags in arrival order.
func (s *Store) Tags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.items))
	for _, p := range s.items {
		out = append(out, p.Doc.Tag())
	}
	return out
}
