package davclient

import (
	"bytes"
	"encoding/xml"
	"net/url"
	"path"
	"strings"

	"github.com/blackhillsinfosec/cryptproxy/log"
	"github.com/blackhillsinfosec/cryptproxy/meta"
	"github.com/tdewolff/minify"
	mxml "github.com/tdewolff/minify/xml"
)

var xmlMinifier = minify.New()

func init() {
	xmlMinifier.AddFunc("text/xml", mxml.Minify)
}

// Renamer returns the client facing name for a backend record. ok is
// false when the record keeps its backend name.
type Renamer func(rec meta.FileRecord) (display string, ok bool)

// RewriteNames replaces backend names in a raw multistatus body with the
// names returned by rename. Both the last href segment and the
// displayname property are rewritten; the rest of the document is left
// byte for byte as the backend produced it.
func RewriteNames(raw []byte, ms *Multistatus, prefix string, rename Renamer) []byte {
	for _, r := range ms.Responses {
		rec := r.Record(prefix)
		display, ok := rename(rec)
		if !ok || display == rec.DisplayName {
			continue
		}

		href := strings.TrimSpace(r.Href)
		trail := strings.HasSuffix(href, "/")
		dir, _ := path.Split(strings.TrimSuffix(href, "/"))
		newHref := dir + url.PathEscape(display)
		if trail {
			newHref += "/"
		}
		raw = replaceText(raw, href, newHref)

		if dn := r.Prop().DisplayName; dn != "" && dn != display {
			raw = replaceText(raw, dn, display)
		}
		log.DEBUG.Printf("Renamed %s to %s", rec.BackendPath, display)
	}
	return raw
}

// Compact strips insignificant whitespace from an XML document. The
// input is returned unchanged if minification fails.
func Compact(raw []byte) []byte {
	out, err := xmlMinifier.Bytes("text/xml", raw)
	if err != nil {
		log.WARN.Printf("Failed to compact multistatus body: %v", err)
		return raw
	}
	return out
}

// replaceText swaps character data old for new wherever it forms the
// whole content of an element.
func replaceText(raw []byte, old, new string) []byte {
	return bytes.ReplaceAll(raw,
		[]byte(">"+escapeXML(old)+"<"),
		[]byte(">"+escapeXML(new)+"<"))
}

func escapeXML(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
