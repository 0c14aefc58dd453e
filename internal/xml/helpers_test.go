package xml

import (
	"regexp"
	"strings"

	"github.com/beevik/etree"
)

var (
	xmlDecl     = regexp.MustCompile(`<\?xml[^>]*\?>`)
	interTagWS  = regexp.MustCompile(`>\s+<`)
	selfCloseWS = regexp.MustCompile(`\s+/>`)
)

// normalizeXML drops the declaration and insignificant whitespace.
func normalizeXML(s string) string {
	s = xmlDecl.ReplaceAllString(s, "")
	s = interTagWS.ReplaceAllString(s, "><")
	s = selfCloseWS.ReplaceAllString(s, "/>")
	return strings.TrimSpace(s)
}

func documentString(doc *etree.Document) string {
	s, err := doc.WriteToString()
	if err != nil {
		return "<!-- " + err.Error() + " -->"
	}
	return normalizeXML(s)
}
