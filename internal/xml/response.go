package xml

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// MultistatusResponse represents a multistatus response
type MultistatusResponse struct {
	Responses []Response
}

// Response represents a single response within a multistatus
type Response struct {
	Href      string
	PropStats []PropStat
	Error     *Error
	Status    string
}

// PropStat represents property status in a response
type PropStat struct {
	Props  []Property
	Status string
}

// ParseMultistatus reads a multistatus body.
func ParseMultistatus(data []byte) (*MultistatusResponse, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("invalid XML: %w", err)
	}
	var ms MultistatusResponse
	if err := ms.Parse(doc); err != nil {
		return nil, err
	}
	return &ms, nil
}

// Parse parses a multistatus response from an XML document
func (m *MultistatusResponse) Parse(doc *etree.Document) error {
	if doc == nil || doc.Root() == nil {
		return fmt.Errorf("empty document")
	}

	root := doc.Root()
	if root.Tag != TagMultistatus {
		return fmt.Errorf("invalid root tag: %s", root.Tag)
	}

	m.Responses = nil

	for _, respElem := range root.SelectElements(TagResponse) {
		resp := Response{}

		if hrefElem := respElem.SelectElement(TagHref); hrefElem != nil {
			resp.Href = strings.TrimSpace(hrefElem.Text())
		}
		if statusElem := respElem.SelectElement(TagStatus); statusElem != nil {
			resp.Status = strings.TrimSpace(statusElem.Text())
		}

		if errorElem := respElem.SelectElement(TagError); errorElem != nil {
			if child := errorElem.ChildElements(); len(child) > 0 {
				resp.Error = &Error{
					Tag:       child[0].Tag,
					Namespace: child[0].NamespaceURI(),
					Message:   strings.TrimSpace(textOf(child[0])),
				}
			}
		}

		for _, propstatElem := range respElem.SelectElements(TagPropstat) {
			propstat := PropStat{}

			if propElem := propstatElem.SelectElement(TagProp); propElem != nil {
				for _, prop := range propElem.ChildElements() {
					property := Property{}
					property.FromElement(prop)
					propstat.Props = append(propstat.Props, property)
				}
			}

			if statusElem := propstatElem.SelectElement(TagStatus); statusElem != nil {
				propstat.Status = strings.TrimSpace(statusElem.Text())
			}

			resp.PropStats = append(resp.PropStats, propstat)
		}

		m.Responses = append(m.Responses, resp)
	}

	return nil
}

// Prop returns a property from the response's successful propstats.
func (r *Response) Prop(name string) (Property, bool) {
	for _, ps := range r.PropStats {
		if StatusCode(ps.Status) != 200 {
			continue
		}
		for _, p := range ps.Props {
			if p.Name == name {
				return p, true
			}
		}
	}
	return Property{}, false
}

// OK reports whether the response carries at least one 200 propstat and no
// failing response-level status.
func (r *Response) OK() bool {
	if r.Status != "" && StatusCode(r.Status) != 200 {
		return false
	}
	for _, ps := range r.PropStats {
		if StatusCode(ps.Status) == 200 {
			return true
		}
	}
	return false
}

// StatusCode extracts the numeric code from a status line such as
// "HTTP/1.1 200 OK". It returns 0 when the line is unparseable.
func StatusCode(status string) int {
	fields := strings.Fields(status)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

// ToXML converts a MultistatusResponse to an XML document
func (m *MultistatusResponse) ToXML() *etree.Document {
	doc := newDocument()
	root := doc.CreateElement("D:" + TagMultistatus)
	AddNamespaces(doc)

	for _, resp := range m.Responses {
		response := root.CreateElement("D:" + TagResponse)
		response.CreateElement("D:" + TagHref).SetText(resp.Href)

		if resp.Status != "" {
			response.CreateElement("D:" + TagStatus).SetText(resp.Status)
		}
		for _, propstat := range resp.PropStats {
			ps := response.CreateElement("D:" + TagPropstat)
			prop := ps.CreateElement("D:" + TagProp)
			for _, p := range propstat.Props {
				prop.AddChild(p.ToElement())
			}
			ps.CreateElement("D:" + TagStatus).SetText(propstat.Status)
		}
		if resp.Error != nil {
			response.AddChild(resp.Error.ToElement())
		}
	}

	return doc
}
