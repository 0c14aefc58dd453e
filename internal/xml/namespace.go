package xml

import "github.com/beevik/etree"

// Namespace definitions for CalDAV and WebDAV
const (
	// DAV is the WebDAV namespace
	DAV = "DAV:"
	// CalDAV is the CalDAV namespace
	CalDAV = "urn:ietf:params:xml:ns:caldav"
	// CalendarServer is the Calendar Server namespace (used by some implementations)
	CalendarServer = "http://calendarserver.org/ns/"
	// AppleICal carries Apple's calendar extensions such as calendar-color
	AppleICal = "http://apple.com/ns/ical/"
)

// TimeFormat is the UTC basic format used by time-range attributes.
const TimeFormat = "20060102T150405Z"

var prefixes = map[string]string{
	DAV:            "D",
	CalDAV:         "C",
	CalendarServer: "CS",
	AppleICal:      "A",
}

// propNamespaces maps the property names this client requests to their namespace.
var propNamespaces = map[string]string{
	"getetag":                          DAV,
	"displayname":                      DAV,
	"resourcetype":                     DAV,
	"current-user-principal":           DAV,
	"current-user-privilege-set":       DAV,
	"sync-token":                       DAV,
	"calendar-data":                    CalDAV,
	"calendar-home-set":                CalDAV,
	"calendar-description":             CalDAV,
	"supported-calendar-component-set": CalDAV,
	"max-resource-size":                CalDAV,
	"getctag":                          CalendarServer,
	"calendar-color":                   AppleICal,
}

// NamespaceFor returns the namespace of a known property name, defaulting to DAV:.
func NamespaceFor(name string) string {
	if ns, ok := propNamespaces[name]; ok {
		return ns
	}
	return DAV
}

// Prefix returns the prefix used when writing elements of the given namespace.
func Prefix(namespace string) string {
	return prefixes[namespace]
}

// qualified returns "prefix:name" for the property's namespace.
func qualified(name string) string {
	if p := Prefix(NamespaceFor(name)); p != "" {
		return p + ":" + name
	}
	return name
}

// AddNamespaces adds standard CalDAV namespaces to the XML document
func AddNamespaces(doc *etree.Document) {
	AddSelectedNamespaces(doc, DAV, CalDAV, CalendarServer, AppleICal)
}

// AddSelectedNamespaces declares only the given namespaces on the document root
func AddSelectedNamespaces(doc *etree.Document, namespaces ...string) {
	root := doc.Root()
	if root == nil {
		return
	}
	for _, ns := range namespaces {
		if p := Prefix(ns); p != "" {
			root.CreateAttr("xmlns:"+p, ns)
		}
	}
}
