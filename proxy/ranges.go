package proxy

import (
	"net/textproto"
	"strconv"
	"strings"
)

// ParseRange parses a single "bytes=start-[end]" range. end is -1 for an
// open ended range. Suffix ranges and multiple ranges are not
// supported.
func ParseRange(h string) (start, end int64, ok bool) {
	ra, found := strings.CutPrefix(textproto.TrimString(h), "bytes=")
	if !found || strings.Contains(ra, ",") {
		return 0, 0, false
	}
	s, e, found := strings.Cut(textproto.TrimString(ra), "-")
	if !found || s == "" {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(s, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}
	if e == "" {
		return start, -1, true
	}
	end, err = strconv.ParseInt(e, 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	return start, end, true
}

// ParseContentRange parses "bytes start-end/total". total is -1 when
// the backend reports it as unknown.
func ParseContentRange(h string) (start, total int64, ok bool) {
	ra, found := strings.CutPrefix(textproto.TrimString(h), "bytes ")
	if !found {
		return 0, 0, false
	}
	span, size, found := strings.Cut(ra, "/")
	if !found {
		return 0, 0, false
	}
	s, _, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(textproto.TrimString(s), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}
	if size = textproto.TrimString(size); size == "*" {
		return start, -1, true
	}
	total, err = strconv.ParseInt(size, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, total, true
}
