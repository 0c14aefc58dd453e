package xml

import (
	"fmt"
	"sort"
	"strings"

	"github.com/beevik/etree"
)

// Common XML tag names used in CalDAV
const (
	TagPropfind     = "propfind"
	TagProp         = "prop"
	TagMultistatus  = "multistatus"
	TagResponse     = "response"
	TagHref         = "href"
	TagPropstat     = "propstat"
	TagStatus       = "status"
	TagError        = "error"
	TagResourcetype = "resourcetype"
	TagCollection   = "collection"
	TagCalendar     = "calendar"
)

// Property represents a generic XML property
type Property struct {
	Name        string
	Namespace   string
	TextContent string
	Children    []Property
	Attributes  map[string]string
}

// ToElement converts a Property to an etree.Element
func (p *Property) ToElement() *etree.Element {
	elem := etree.NewElement(p.Name)
	elem.Space = Prefix(p.Namespace)
	if p.TextContent != "" {
		elem.SetText(p.TextContent)
	}
	keys := make([]string, 0, len(p.Attributes))
	for key := range p.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		elem.CreateAttr(key, p.Attributes[key])
	}
	for _, child := range p.Children {
		elem.AddChild(child.ToElement())
	}
	return elem
}

// FromElement populates a Property from an etree.Element
func (p *Property) FromElement(elem *etree.Element) {
	p.Name = elem.Tag
	p.Namespace = elem.NamespaceURI()
	p.TextContent = textOf(elem)
	p.Children = nil
	p.Attributes = nil

	for _, attr := range elem.Attr {
		if attr.Space == "xmlns" || attr.Key == "xmlns" {
			continue
		}
		if p.Attributes == nil {
			p.Attributes = make(map[string]string)
		}
		p.Attributes[attr.Key] = attr.Value
	}

	for _, child := range elem.ChildElements() {
		childProp := Property{}
		childProp.FromElement(child)
		p.Children = append(p.Children, childProp)
	}
}

// Child returns the first child property with the given local name.
func (p *Property) Child(name string) (Property, bool) {
	for _, c := range p.Children {
		if c.Name == name {
			return c, true
		}
	}
	return Property{}, false
}

// textOf concatenates all character data directly under elem, CDATA included.
// etree's Text only returns the first run, which drops calendar-data wrapped
// in CDATA after a leading newline.
func textOf(elem *etree.Element) string {
	var b strings.Builder
	for _, tok := range elem.Child {
		if cd, ok := tok.(*etree.CharData); ok {
			b.WriteString(cd.Data)
		}
	}
	return b.String()
}

// Error represents a WebDAV error response
type Error struct {
	Namespace string
	Tag       string
	Message   string
}

// ToElement converts an Error to an etree.Element
func (e *Error) ToElement() *etree.Element {
	err := etree.NewElement("D:" + TagError)
	tag := etree.NewElement(e.Tag)
	tag.Space = Prefix(e.Namespace)
	if e.Message != "" {
		tag.SetText(e.Message)
	}
	err.AddChild(tag)
	return err
}

// ParseError reads a DAV:error body and returns its first precondition element.
func ParseError(data []byte) (*Error, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, err
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("empty document")
	}
	if root.Tag != TagError {
		return nil, fmt.Errorf("invalid root tag: %s", root.Tag)
	}
	children := root.ChildElements()
	if len(children) == 0 {
		return nil, fmt.Errorf("error element has no condition")
	}
	return &Error{
		Namespace: children[0].NamespaceURI(),
		Tag:       children[0].Tag,
		Message:   strings.TrimSpace(textOf(children[0])),
	}, nil
}
