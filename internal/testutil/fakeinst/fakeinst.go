// Package fakeinst is a scripted NMR instrument on a loopback TCP listener.
package fakeinst

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/labctl/internal/protocol/document"
	"github.com/danmuck/labctl/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

// Handler returns the message bodies (each "<Message>...</Message>") sent
// back for one received request.
type Handler func(req document.Document) []string

// Instrument accepts one connection at a time and answers requests by kind.
type Instrument struct {
	t        testing.TB
	ln       net.Listener
	received chan document.Document

	mu        sync.Mutex
	conn      net.Conn
	handlers  map[string]Handler
	connected chan struct{}
}

// HardwareResponse is the default answer to HardwareRequest.
const HardwareResponse = `<Message><HardwareResponse><ConnectedToHardware>true</ConnectedToHardware>` +
	`<SpinsolveSoftware>1.18.1</SpinsolveSoftware><SpinsolveType>80</SpinsolveType></HardwareResponse></Message>`

// Start listens on 127.0.0.1 and stops when the test ends.
func Start(t testing.TB) *Instrument {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fakeinst listen: %v", err)
	}
	f := &Instrument{
		t:         t,
		ln:        ln,
		received:  make(chan document.Document, 64),
		handlers:  map[string]Handler{},
		connected: make(chan struct{}),
	}
	f.Reply("HardwareRequest", HardwareResponse)
	go f.accept()
	t.Cleanup(f.Close)
	return f
}

func (f *Instrument) Addr() string { return f.ln.Addr().String() }

// Handle installs h for requests of the given kind, replacing any previous one.
func (f *Instrument) Handle(kind string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[kind] = h
}

// Reply answers every request of kind with the same bodies.
func (f *Instrument) Reply(kind string, bodies ...string) {
	f.Handle(kind, func(document.Document) []string { return bodies })
}

// Silence drops requests of kind without answering.
func (f *Instrument) Silence(kind string) {
	f.Handle(kind, func(document.Document) []string { return nil })
}

// Send writes one framed message body to the connected client.
func (f *Instrument) Send(body string) error {
	return f.SendRaw([]byte(document.Declaration + body))
}

// SendRaw writes bytes unchanged.
func (f *Instrument) SendRaw(b []byte) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}
	_, err := conn.Write(b)
	return err
}

// WaitConnected blocks until a client has connected.
func (f *Instrument) WaitConnected(timeout time.Duration) bool {
	select {
	case <-f.connected:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Next returns the next received request or fails the test after timeout.
func (f *Instrument) Next(timeout time.Duration) document.Document {
	f.t.Helper()
	select {
	case doc := <-f.received:
		return doc
	case <-time.After(timeout):
		f.t.Fatalf("fakeinst: no request within %v", timeout)
		return document.Document{}
	}
}

// Quiet reports whether nothing arrives within d.
func (f *Instrument) Quiet(d time.Duration) (document.Document, bool) {
	select {
	case doc := <-f.received:
		return doc, false
	case <-time.After(d):
		return document.Document{}, true
	}
}

// Drop closes the current client connection.
func (f *Instrument) Drop() {
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (f *Instrument) Close() {
	_ = f.ln.Close()
	f.Drop()
}

func (f *Instrument) accept() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		if f.conn != nil {
			_ = f.conn.Close()
		}
		f.conn = conn
		select {
		case <-f.connected:
		default:
			close(f.connected)
		}
		f.mu.Unlock()
		go f.serve(conn)
	}
}

func (f *Instrument) serve(conn net.Conn) {
	splitter := frame.NewSplitter()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			splitter.Feed(buf[:n])
			for _, fragment := range splitter.Drain() {
				f.dispatch(conn, fragment)
			}
		}
		if err != nil {
			if rest := splitter.Flush(); len(rest) > 0 {
				f.dispatch(conn, rest)
			}
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				log.Debug().Str("component", "fakeinst").Err(err).Msg("read failed")
			}
			return
		}
	}
}

func (f *Instrument) dispatch(conn net.Conn, fragment []byte) {
	doc, err := document.Parse(fragment)
	if err != nil {
		log.Warn().Str("component", "fakeinst").Err(err).Msg("unparsable request")
		return
	}
	select {
	case f.received <- doc:
	default:
		log.Warn().Str("component", "fakeinst").Str("kind", doc.Tag()).Msg("received buffer full")
	}
	f.mu.Lock()
	h := f.handlers[doc.Tag()]
	f.mu.Unlock()
	if h == nil {
		return
	}
	for _, body := range h(doc) {
		if _, err := conn.Write([]byte(document.Declaration + body)); err != nil {
			return
		}
	}
}
