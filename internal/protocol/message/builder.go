// Package message builds outbound request documents.
//
// Builders are pure: the same RequestSpec always produces the same bytes.
package message

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/labctl/internal/protocol/document"
	"github.com/rs/zerolog/log"
)

// Message-kind tags.
const (
	KindSet   = "Set"
	KindGet   = "GetRequest"
	KindStart = "Start"

	KindHardware         = "HardwareRequest"
	KindProtocolOptions  = "AvailableProtocolOptionsRequest"
	KindEstimateDuration = "EstimateDurationRequest"
	KindCheckShim        = "CheckShimRequest"
	KindAbort            = "Abort"
)

// Acknowledgement tags.
const (
	AckGet              = "GetResponse"
	AckHardware         = "HardwareResponse"
	AckProtocolOptions  = "AvailableProtocolOptionsResponse"
	AckEstimateDuration = "EstimateDurationResponse"
	AckCheckShim        = "CheckShimResponse"
)

// Data folder naming modes understood by the instrument.
const (
	FolderTimeStampTree = "TimeStampTree"
	FolderTimeStamp     = "TimeStamp"
	FolderUser          = "UserFolder"
)

var ErrEncoding = document.ErrEncoding

var ErrInvalidSpec = errors.New("message: invalid request spec")

// RequestSpec describes one outbound command.
type RequestSpec struct {
	// Kind is the message-kind tag (Set, GetRequest, Start, or a bare request).
	Kind string
	// Target is the element name for Set/Get and the protocol name for Start.
	Target string
	// Value is the Set payload when Options is empty.
	Value   string
	Options Options
	// Expect is the acknowledgement tag suffix; empty means none is sent.
	Expect string
	// AwaitStatus keeps the session busy until the next status notification.
	AwaitStatus bool
}

func (r RequestSpec) String() string {
	if r.Target == "" {
		return r.Kind
	}
	return r.Kind + ":" + r.Target
}

func Set(name, value string) RequestSpec {
	return RequestSpec{Kind: KindSet, Target: name, Value: value}
}

func Get(name string) RequestSpec {
	return RequestSpec{Kind: KindGet, Target: name, Expect: AckGet}
}

func Start(protocol string, options Options) RequestSpec {
	return RequestSpec{Kind: KindStart, Target: protocol, Options: options, AwaitStatus: true}
}

// Request is a bare request element such as HardwareRequest.
func Request(kind, expect string) RequestSpec {
	return RequestSpec{Kind: kind, Expect: expect}
}

func EstimateDuration(protocol string, options Options) RequestSpec {
	return RequestSpec{Kind: KindEstimateDuration, Target: protocol, Options: options, Expect: AckEstimateDuration}
}

// SetUserData stores free-form key/value pairs alongside the acquisition.
func SetUserData(data Options) RequestSpec {
	return RequestSpec{Kind: KindSet, Target: "UserData", Options: data}
}

// SetDataFolder selects where the instrument writes results. An unknown mode
// falls back to TimeStampTree with a warning.
func SetDataFolder(path, mode string) RequestSpec {
	switch mode {
	case FolderTimeStampTree, FolderTimeStamp, FolderUser:
	default:
		log.Warn().
			Str("component", "message").
			Str("mode", mode).
			Str("fallback", FolderTimeStampTree).
			Msg("unknown data folder mode")
		mode = FolderTimeStampTree
	}
	return RequestSpec{Kind: KindSet, Target: "DataFolder", Options: NewOptions(Option{Name: mode, Value: path})}
}

func BuildSet(name, value string) (document.Document, error) { return Set(name, value).Build() }
func BuildGet(name string) (document.Document, error)        { return Get(name).Build() }

func BuildStart(protocol string, options Options) (document.Document, error) {
	return Start(protocol, options).Build()
}

func BuildSetDataFolder(path, mode string) (document.Document, error) {
	return SetDataFolder(path, mode).Build()
}

func BuildRequest(kind string) (document.Document, error) { return Request(kind, "").Build() }

func BuildEstimateDuration(protocol string, options Options) (document.Document, error) {
	return EstimateDuration(protocol, options).Build()
}

func BuildSetUserData(data Options) (document.Document, error) { return SetUserData(data).Build() }

// Build serializes the spec into a document.
//
//	Set:        <Set><Target>Value</Target></Set>
//	            <Set><Target><Name>Value</Name>...</Target></Set> with options
//	            <Set><UserData><Data key value/>...</UserData></Set>
//	GetRequest: <GetRequest><Target/></GetRequest>
//	Start:      <Start protocol="Target"><Option name value/>...</Start>
//	other:      <Kind protocol="Target"?><Option name value/>...</Kind>
func (r RequestSpec) Build() (document.Document, error) {
	if strings.TrimSpace(r.Kind) == "" {
		return document.Document{}, fmt.Errorf("%w: missing kind", ErrInvalidSpec)
	}
	var kind document.Element
	switch r.Kind {
	case KindSet:
		if r.Target == "" {
			return document.Document{}, fmt.Errorf("%w: set without target", ErrInvalidSpec)
		}
		kind = document.NewElement(KindSet, nil, "", r.setTarget())
	case KindGet:
		if r.Target == "" {
			return document.Document{}, fmt.Errorf("%w: get without target", ErrInvalidSpec)
		}
		kind = document.NewElement(KindGet, nil, "", document.NewElement(r.Target, nil, ""))
	case KindStart:
		if r.Target == "" {
			return document.Document{}, fmt.Errorf("%w: start without protocol", ErrInvalidSpec)
		}
		kind = protocolElement(KindStart, r.Target, r.Options)
	default:
		kind = protocolElement(r.Kind, r.Target, r.Options)
	}
	doc := document.New(kind)
	// Encode once so invalid characters surface here rather than at write time.
	if _, err := doc.Marshal(); err != nil {
		return document.Document{}, err
	}
	return doc, nil
}

// Encode builds and serializes the spec.
func (r RequestSpec) Encode() ([]byte, error) {
	doc, err := r.Build()
	if err != nil {
		return nil, err
	}
	return doc.Marshal()
}

func (r RequestSpec) setTarget() document.Element {
	if r.Options.Len() == 0 {
		return document.NewElement(r.Target, nil, r.Value)
	}
	items := r.Options.Items()
	children := make([]document.Element, 0, len(items))
	for _, it := range items {
		if r.Target == "UserData" {
			children = append(children, document.NewElement("Data", []document.Attr{
				{Key: "key", Value: it.Name},
				{Key: "value", Value: it.Value},
			}, ""))
			continue
		}
		children = append(children, document.NewElement(it.Name, nil, it.Value))
	}
	return document.NewElement(r.Target, nil, "", children...)
}

func protocolElement(tag, protocol string, options Options) document.Element {
	var attrs []document.Attr
	if protocol != "" {
		attrs = []document.Attr{{Key: "protocol", Value: protocol}}
	}
	items := options.Items()
	children := make([]document.Element, 0, len(items))
	for _, it := range items {
		children = append(children, document.NewElement("Option", []document.Attr{
			{Key: "name", Value: it.Name},
			{Key: "value", Value: it.Value},
		}, ""))
	}
	return document.NewElement(tag, attrs, "", children...)
}
