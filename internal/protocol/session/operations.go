package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/labctl/internal/protocol/document"
	"github.com/danmuck/labctl/internal/protocol/message"
)

// HardwareInfo is the instrument's answer to a HardwareRequest.
type HardwareInfo struct {
	Connected bool   `json:"connected"`
	Software  string `json:"software"`
	Type      string `json:"type"`
}

func parseHardware(doc document.Document) HardwareInfo {
	kind := doc.Kind()
	connected, _ := strconv.ParseBool(kind.ChildText("ConnectedToHardware"))
	return HardwareInfo{
		Connected: connected,
		Software:  kind.ChildText("SpinsolveSoftware"),
		Type:      kind.ChildText("SpinsolveType"),
	}
}

func (s *Session) Hardware(ctx context.Context) (HardwareInfo, error) {
	doc, err := s.SendCommand(ctx, message.Request(message.KindHardware, message.AckHardware))
	if err != nil {
		return HardwareInfo{}, err
	}
	return parseHardware(doc), nil
}

// HandshakeHardware returns the HardwareResponse received while connecting.
func (s *Session) HandshakeHardware() (HardwareInfo, bool) {
	s.mu.Lock()
	doc := s.handshake
	s.mu.Unlock()
	if doc.IsZero() {
		return HardwareInfo{}, false
	}
	return parseHardware(doc), true
}

// Protocols returns the instrument's protocol catalog, fetching it on first use.
func (s *Session) Protocols(ctx context.Context) (Catalog, error) {
	s.mu.Lock()
	cached := s.catalog
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	return s.RefreshProtocols(ctx)
}

func (s *Session) RefreshProtocols(ctx context.Context) (Catalog, error) {
	doc, err := s.SendCommand(ctx, message.Request(message.KindProtocolOptions, message.AckProtocolOptions))
	if err != nil {
		return nil, err
	}
	catalog := ParseCatalog(doc)
	s.mu.Lock()
	s.catalog = catalog
	s.mu.Unlock()
	return catalog, nil
}

// StartProtocol starts a run without waiting for it. Options are checked
// against the catalog first. The session stays busy until the instrument
// reports the run has started.
func (s *Session) StartProtocol(ctx context.Context, protocol string, options message.Options) error {
	catalog, err := s.Protocols(ctx)
	if err != nil {
		return err
	}
	filtered, err := catalog.Filter(protocol, options)
	if err != nil {
		return err
	}
	s.drainResults()
	_, err = s.SendCommand(ctx, message.Start(protocol, filtered))
	return err
}

// RunProtocol starts a run and waits for its result.
func (s *Session) RunProtocol(ctx context.Context, protocol string, options message.Options) (RunResult, error) {
	if err := s.StartProtocol(ctx, protocol, options); err != nil {
		return RunResult{}, err
	}
	return s.AwaitResult(ctx)
}

func (s *Session) EstimateDuration(ctx context.Context, protocol string, options message.Options) (time.Duration, error) {
	doc, err := s.SendCommand(ctx, message.EstimateDuration(protocol, options))
	if err != nil {
		return 0, err
	}
	raw := doc.Kind().AttrOr("durationInSeconds", "")
	secs, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("%w: durationInSeconds=%q", ErrUnexpectedReply, raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Abort asks the instrument to stop the current run.
func (s *Session) Abort(ctx context.Context) error {
	_, err := s.SendCommand(ctx, message.Request(message.KindAbort, ""))
	return err
}

func (s *Session) getText(ctx context.Context, name string) (string, error) {
	doc, err := s.SendCommand(ctx, message.Get(name))
	if err != nil {
		return "", err
	}
	if _, ok := doc.Kind().Child(name); !ok {
		return "", fmt.Errorf("%w: GetResponse without %s", ErrUnexpectedReply, name)
	}
	return doc.Kind().ChildText(name), nil
}

func (s *Session) set(ctx context.Context, spec message.RequestSpec) error {
	_, err := s.SendCommand(ctx, spec)
	return err
}

func (s *Session) Solvent(ctx context.Context) (string, error) { return s.getText(ctx, "Solvent") }
func (s *Session) Sample(ctx context.Context) (string, error)  { return s.getText(ctx, "Sample") }

func (s *Session) SetSolvent(ctx context.Context, v string) error {
	return s.set(ctx, message.Set("Solvent", v))
}

func (s *Session) SetSample(ctx context.Context, v string) error {
	return s.set(ctx, message.Set("Sample", v))
}

func (s *Session) UserData(ctx context.Context) (message.Options, error) {
	doc, err := s.SendCommand(ctx, message.Get("UserData"))
	if err != nil {
		return message.Options{}, err
	}
	ud, ok := doc.Kind().Child("UserData")
	if !ok {
		return message.Options{}, fmt.Errorf("%w: GetResponse without UserData", ErrUnexpectedReply)
	}
	var out message.Options
	for _, d := range ud.ChildrenNamed("Data") {
		out.Set(d.AttrOr("key", ""), d.AttrOr("value", ""))
	}
	return out, nil
}

func (s *Session) SetUserData(ctx context.Context, data message.Options) error {
	return s.set(ctx, message.SetUserData(data))
}

func (s *Session) SetDataFolder(ctx context.Context, path, mode string) error {
	return s.set(ctx, message.SetDataFolder(path, mode))
}
