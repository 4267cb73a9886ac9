package davclient

import (
	"encoding/xml"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/blackhillsinfosec/cryptproxy/meta"
)

// Multistatus is the body of a 207 PROPFIND response. Tags are matched
// by local name so any namespace prefix the backend picks is accepted.
type Multistatus struct {
	XMLName   xml.Name   `xml:"multistatus"`
	Responses []Response `xml:"response"`
}

// Response describes one resource. A backend may emit one propstat or
// several; both decode into Propstats.
type Response struct {
	Href      string     `xml:"href"`
	Propstats []Propstat `xml:"propstat"`
}

type Propstat struct {
	Prop   Prop   `xml:"prop"`
	Status string `xml:"status"`
}

type Prop struct {
	DisplayName   string        `xml:"displayname"`
	ContentLength string        `xml:"getcontentlength"`
	ResourceType  *ResourceType `xml:"resourcetype"`
}

type ResourceType struct {
	Collection *struct{} `xml:"collection"`
}

// Prop returns the properties reported with a 200 status, falling back
// to the first propstat.
func (r Response) Prop() Prop {
	for _, ps := range r.Propstats {
		if strings.Contains(ps.Status, " 200") {
			return ps.Prop
		}
	}
	if len(r.Propstats) > 0 {
		return r.Propstats[0].Prop
	}
	return Prop{}
}

// Size returns the content length, or -1 when it is absent or invalid.
func (p Prop) Size() int64 {
	s := strings.TrimSpace(p.ContentLength)
	if s == "" {
		return -1
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// HrefPath returns the unescaped path component of the href.
func (r Response) HrefPath() string {
	h := strings.TrimSpace(r.Href)
	if u, err := url.Parse(h); err == nil {
		return u.Path
	}
	if p, err := url.PathUnescape(h); err == nil {
		return p
	}
	return h
}

// Record normalizes the response into a FileRecord. prefix is the
// backend WebDAV mount path and is removed from the href.
func (r Response) Record(prefix string) meta.FileRecord {
	p := r.HrefPath()
	if prefix = strings.TrimSuffix(prefix, "/"); prefix != "" {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			p = p[len(prefix):]
		}
	}
	prop := r.Prop()
	size := prop.Size()
	isDir := size < 0 || (prop.ResourceType != nil && prop.ResourceType.Collection != nil)
	if isDir {
		size = 0
	}
	rec := meta.FileRecord{
		BackendPath: meta.Key(p),
		Size:        size,
		IsDirectory: isDir,
	}
	rec.DisplayName = path.Base(rec.BackendPath)
	return rec
}
