// Package document holds the XML envelope exchanged with the instrument.
//
// Every frame is one `Message` root with exactly one child naming the message
// kind (Set, GetRequest, Start, GetResponse, StatusNotification, ...). Parsed
// documents are immutable values.
package document

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/beevik/etree"
)

// Declaration is the literal marker that opens every frame on the wire.
const Declaration = `<?xml version="1.0" encoding="utf-8"?>`

// RootTag is the envelope element name.
const RootTag = "Message"

var (
	ErrParse    = errors.New("document: parse failed")
	ErrEncoding = errors.New("document: value not representable in xml")
)

// Attr is one attribute, kept in document order.
type Attr struct {
	Key   string
	Value string
}

// Element is an immutable XML element.
type Element struct {
	tag      string
	attrs    []Attr
	text     string
	children []Element
}

// NewElement builds an element. attrs and children are copied.
func NewElement(tag string, attrs []Attr, text string, children ...Element) Element {
	e := Element{tag: tag, text: text}
	if len(attrs) > 0 {
		e.attrs = append([]Attr(nil), attrs...)
	}
	if len(children) > 0 {
		e.children = append([]Element(nil), children...)
	}
	return e
}

func (e Element) Tag() string  { return e.tag }
func (e Element) Text() string { return e.text }
func (e Element) IsZero() bool { return e.tag == "" }

func (e Element) Attr(key string) (string, bool) {
	for _, a := range e.attrs {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// AttrOr returns the attribute value or def when absent.
func (e Element) AttrOr(key, def string) string {
	if v, ok := e.Attr(key); ok {
		return v
	}
	return def
}

func (e Element) Attrs() []Attr {
	return append([]Attr(nil), e.attrs...)
}

func (e Element) Children() []Element {
	return append([]Element(nil), e.children...)
}

// Child returns the first direct child with the given tag.
func (e Element) Child(tag string) (Element, bool) {
	for _, c := range e.children {
		if c.tag == tag {
			return c, true
		}
	}
	return Element{}, false
}

// ChildrenNamed returns every direct child with the given tag, in order.
func (e Element) ChildrenNamed(tag string) []Element {
	var out []Element
	for _, c := range e.children {
		if c.tag == tag {
			out = append(out, c)
		}
	}
	return out
}

// ChildText returns the text of the first child named tag, or "".
func (e Element) ChildText(tag string) string {
	c, ok := e.Child(tag)
	if !ok {
		return ""
	}
	return c.text
}

// Find walks a path of child tags from e.
func (e Element) Find(path ...string) (Element, bool) {
	cur := e
	for _, tag := range path {
		next, ok := cur.Child(tag)
		if !ok {
			return Element{}, false
		}
		cur = next
	}
	return cur, true
}

// Document is one Message envelope.
type Document struct {
	root Element
}

// New wraps a message-kind element in a Message envelope.
func New(kind Element) Document {
	return Document{root: NewElement(RootTag, nil, "", kind)}
}

func (d Document) IsZero() bool  { return d.root.IsZero() }
func (d Document) Root() Element { return d.root }

// Kind is the single message-kind child.
func (d Document) Kind() Element {
	if len(d.root.children) == 0 {
		return Element{}
	}
	return d.root.children[0]
}

// Tag is the reply tag used for correlation.
func (d Document) Tag() string { return d.Kind().tag }

func (d Document) String() string {
	b, err := d.Marshal()
	if err != nil {
		return fmt.Sprintf("<%s ?>", d.Tag())
	}
	return string(b)
}

// Parse decodes one frame. Malformed XML, a root other than Message, or a
// Message without exactly one child element all yield ErrParse.
func Parse(fragment []byte) (Document, error) {
	if err := wellFormed(fragment); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(fragment); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	roots := doc.ChildElements()
	if len(roots) != 1 {
		return Document{}, fmt.Errorf("%w: expected one root element, got %d", ErrParse, len(roots))
	}
	root := roots[0]
	if root.Tag != RootTag {
		return Document{}, fmt.Errorf("%w: root is <%s>, want <%s>", ErrParse, root.Tag, RootTag)
	}
	if n := len(root.ChildElements()); n != 1 {
		return Document{}, fmt.Errorf("%w: message has %d kind elements, want 1", ErrParse, n)
	}
	return Document{root: fromEtree(root)}, nil
}

// wellFormed runs the strict decoder over the fragment so that unclosed or
// mismatched elements are rejected before the tree is built.
func wellFormed(fragment []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(fragment))
	for {
		if _, err := dec.Token(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func fromEtree(el *etree.Element) Element {
	e := Element{
		tag:  el.Tag,
		text: strings.TrimSpace(el.Text()),
	}
	for _, a := range el.Attr {
		key := a.Key
		if a.Space != "" {
			key = a.Space + ":" + a.Key
		}
		e.attrs = append(e.attrs, Attr{Key: key, Value: a.Value})
	}
	for _, c := range el.ChildElements() {
		e.children = append(e.children, fromEtree(c))
	}
	return e
}

// Marshal encodes the document with the frame declaration prepended.
func (d Document) Marshal() ([]byte, error) {
	if d.IsZero() {
		return nil, fmt.Errorf("%w: empty document", ErrEncoding)
	}
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	if err := toEtree(&doc.Element, d.root); err != nil {
		return nil, err
	}
	return doc.WriteToBytes()
}

func toEtree(parent *etree.Element, e Element) error {
	if err := CheckName(e.tag); err != nil {
		return fmt.Errorf("element: %w", err)
	}
	el := parent.CreateElement(e.tag)
	for _, a := range e.attrs {
		if err := CheckName(a.Key); err != nil {
			return fmt.Errorf("element %s attribute: %w", e.tag, err)
		}
		if err := CheckText(a.Value); err != nil {
			return fmt.Errorf("attribute %s: %w", a.Key, err)
		}
		el.CreateAttr(a.Key, a.Value)
	}
	if e.text != "" {
		if err := CheckText(e.text); err != nil {
			return fmt.Errorf("element %s: %w", e.tag, err)
		}
		el.SetText(e.text)
	}
	for _, c := range e.children {
		if err := toEtree(el, c); err != nil {
			return err
		}
	}
	return nil
}

// CheckText rejects strings that cannot appear in an XML 1.0 document.
func CheckText(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: invalid utf-8", ErrEncoding)
	}
	for i, r := range s {
		if !isXMLChar(r) {
			return fmt.Errorf("%w: character %U at offset %d", ErrEncoding, r, i)
		}
	}
	return nil
}

// CheckName rejects strings that are not a valid XML 1.0 Name.
func CheckName(name string) error {
	if name == "" || !utf8.ValidString(name) {
		return fmt.Errorf("%w: invalid name %q", ErrEncoding, name)
	}
	for i, r := range name {
		if (i == 0 && !isNameStart(r)) || !isNameChar(r) {
			return fmt.Errorf("%w: invalid name %q", ErrEncoding, name)
		}
	}
	return nil
}

func isNameStart(r rune) bool {
	return r == ':' || r == '_' ||
		(r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') ||
		(r >= 0xC0 && r <= 0xD6) || (r >= 0xD8 && r <= 0xF6) ||
		(r >= 0xF8 && r <= 0x2FF) || (r >= 0x370 && r <= 0x37D) ||
		(r >= 0x37F && r <= 0x1FFF) || (r >= 0x200C && r <= 0x200D) ||
		(r >= 0x2070 && r <= 0x218F) || (r >= 0x2C00 && r <= 0x2FEF) ||
		(r >= 0x3001 && r <= 0xD7FF) || (r >= 0xF900 && r <= 0xFDCF) ||
		(r >= 0xFDF0 && r <= 0xFFFD) || (r >= 0x10000 && r <= 0xEFFFF)
}

func isNameChar(r rune) bool {
	return isNameStart(r) || r == '-' || r == '.' ||
		(r >= '0' && r <= '9') || r == 0xB7 ||
		(r >= 0x300 && r <= 0x36F) || (r >= 0x203F && r <= 0x2040)
}

func isXMLChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		(r >= 0x20 && r <= 0xD7FF) ||
		(r >= 0xE000 && r <= 0xFFFD) ||
		(r >= 0x10000 && r <= 0x10FFFF)
}
