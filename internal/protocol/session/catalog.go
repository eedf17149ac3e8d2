package session

import (
	"fmt"
	"sort"

	"github.com/danmuck/labctl/internal/protocol/document"
	"github.com/danmuck/labctl/internal/protocol/message"
	"github.com/rs/zerolog/log"
)

// ProtocolOptions maps option names to their allowed values. An empty value
// list accepts anything.
type ProtocolOptions map[string][]string

// Catalog lists the protocols an instrument offers.
type Catalog map[string]ProtocolOptions

// ParseCatalog reads an AvailableProtocolOptionsResponse:
//
//	<Protocol protocol="1D PROTON">
//	  <Option name="Scan"><Value>QuickScan</Value>...</Option>
//	</Protocol>
func ParseCatalog(doc document.Document) Catalog {
	out := Catalog{}
	for _, p := range doc.Kind().ChildrenNamed("Protocol") {
		name := p.AttrOr("protocol", "")
		if name == "" {
			continue
		}
		opts := ProtocolOptions{}
		for _, o := range p.ChildrenNamed("Option") {
			optName := o.AttrOr("name", "")
			if optName == "" {
				continue
			}
			var values []string
			for _, v := range o.ChildrenNamed("Value") {
				values = append(values, v.Text())
			}
			opts[optName] = values
		}
		out[name] = opts
	}
	return out
}

func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Filter keeps the options the protocol accepts, in their original order.
// Unknown names and disallowed values are dropped with a warning.
func (c Catalog) Filter(protocol string, options message.Options) (message.Options, error) {
	allowed, ok := c[protocol]
	if !ok {
		return message.Options{}, fmt.Errorf("%w: %q", ErrUnknownProtocol, protocol)
	}
	var out message.Options
	for _, opt := range options.Items() {
		values, known := allowed[opt.Name]
		if !known {
			log.Warn().
				Str("component", "session").
				Str("protocol", protocol).
				Str("option", opt.Name).
				Msg("dropping unknown protocol option")
			continue
		}
		if len(values) > 0 && !contains(values, opt.Value) {
			log.Warn().
				Str("component", "session").
				Str("protocol", protocol).
				Str("option", opt.Name).
				Str("value", opt.Value).
				Strs("allowed", values).
				Msg("dropping protocol option with unsupported value")
			continue
		}
		out.Set(opt.Name, opt.Value)
	}
	return out, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
