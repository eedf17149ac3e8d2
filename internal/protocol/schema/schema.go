// Package schema performs advisory validation of instrument documents.
//
// A mismatch never rejects a document: callers log the ValidationError and keep
// using the document. The schema file is optional; without it the built-in
// rules apply.
package schema

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/labctl/internal/protocol/document"
	"github.com/rs/zerolog/log"
)

var ErrSchemaFile = errors.New("schema: cannot load schema file")

// Rule constrains one message kind.
type Rule struct {
	// Attrs are required attributes on the kind element.
	Attrs []string `toml:"attrs"`
	// Children are required direct child elements.
	Children []string `toml:"children"`
	// OneOf requires exactly one child from the list.
	OneOf []string `toml:"one_of"`
	// Enum restricts attribute values. Keys are "@attr" for the kind element
	// or "Child@attr" for a direct child.
	Enum map[string][]string `toml:"enum"`
}

// Schema maps message-kind tags to rules.
type Schema struct {
	// Strict reports kinds that have no rule.
	Strict   bool            `toml:"strict"`
	Messages map[string]Rule `toml:"messages"`
}

type ValidationError struct {
	Kind   string
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema: kind=%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("schema: kind=%s field=%s: %s", e.Kind, e.Field, e.Reason)
}

// Default is the built-in rule set for the NMR remote-control protocol.
func Default() Schema {
	return Schema{
		Messages: map[string]Rule{
			"StatusNotification": {
				OneOf: []string{"State", "Progress", "Completed", "Error"},
				Enum:  map[string][]string{"State@status": {"Running", "Ready", "Stopping"}},
			},
			"HardwareResponse":         {Children: []string{"ConnectedToHardware"}},
			"EstimateDurationResponse": {Attrs: []string{"durationInSeconds"}},
			"CheckShimResponse":        {Children: []string{"LineWidth", "BaseWidth"}},
			"Start":                    {Attrs: []string{"protocol"}},
			"EstimateDurationRequest":  {Attrs: []string{"protocol"}},
		},
	}
}

// Load reads a TOML schema file.
func Load(path string) (Schema, error) {
	var s Schema
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return Schema{}, fmt.Errorf("%w (%s): %v", ErrSchemaFile, path, err)
	}
	if s.Messages == nil {
		s.Messages = map[string]Rule{}
	}
	return s, nil
}

// LoadOrDefault never fails: a missing or unreadable file falls back to Default.
func LoadOrDefault(path string) Schema {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Info().Str("component", "schema").Str("path", path).Msg("schema file absent, using built-in rules")
		return Default()
	}
	s, err := Load(path)
	if err != nil {
		log.Warn().Str("component", "schema").Err(err).Msg("schema file unusable, using built-in rules")
		return Default()
	}
	return s
}

// Kinds lists the kinds with a rule, sorted.
func (s Schema) Kinds() []string {
	out := make([]string, 0, len(s.Messages))
	for k := range s.Messages {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate checks doc against its kind's rule. The first violation is returned.
func (s Schema) Validate(doc document.Document) error {
	kind := doc.Kind()
	if kind.IsZero() {
		return ValidationError{Reason: "document has no message kind"}
	}
	rule, ok := s.Messages[kind.Tag()]
	if !ok {
		if s.Strict {
			return ValidationError{Kind: kind.Tag(), Reason: "unknown message kind"}
		}
		return nil
	}
	for _, attr := range rule.Attrs {
		if _, ok := kind.Attr(attr); !ok {
			return ValidationError{Kind: kind.Tag(), Field: "@" + attr, Reason: "missing required attribute"}
		}
	}
	for _, child := range rule.Children {
		if _, ok := kind.Child(child); !ok {
			return ValidationError{Kind: kind.Tag(), Field: child, Reason: "missing required element"}
		}
	}
	if len(rule.OneOf) > 0 {
		var found int
		for _, c := range kind.Children() {
			for _, allowed := range rule.OneOf {
				if c.Tag() == allowed {
					found++
				}
			}
		}
		if found != 1 {
			return ValidationError{
				Kind:   kind.Tag(),
				Field:  strings.Join(rule.OneOf, "|"),
				Reason: fmt.Sprintf("expected exactly one, found %d", found),
			}
		}
	}
	for _, key := range sortedKeys(rule.Enum) {
		if err := checkEnum(kind, key, rule.Enum[key]); err != nil {
			return err
		}
	}
	return nil
}

func checkEnum(kind document.Element, key string, allowed []string) error {
	childTag, attr, ok := strings.Cut(key, "@")
	if !ok {
		return nil
	}
	target := kind
	if childTag != "" {
		c, ok := kind.Child(childTag)
		if !ok {
			return nil
		}
		target = c
	}
	v, ok := target.Attr(attr)
	if !ok {
		return nil
	}
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return ValidationError{Kind: kind.Tag(), Field: key, Reason: fmt.Sprintf("value %q not allowed", v)}
}

func sortedKeys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
