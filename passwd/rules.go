// Package passwd matches virtual paths against the configured
// password-protected subtrees.
//
// A RuleSet is immutable once built. Configuration reloads build a new
// RuleSet and publish it as a whole; nothing mutates a published set.
package passwd

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/blackhillsinfosec/cryptproxy/crypt"
	"golang.org/x/exp/slices"
)

// accessPrefixes denote "direct download" and "preview" presentations
// of the same underlying resource.
var accessPrefixes = []string{"/d/", "/p/"}

// Rule protects one or more directory subtrees with a password.
type Rule struct {
	// Paths are the protected directory prefixes.
	Paths    []string
	Password string
	Tag      crypt.Tag
	// EncName enables filename obfuscation under the subtree.
	EncName  bool
	Describe string
}

// Authorization is the outcome of resolving a virtual path. The zero
// value means no rule applies.
type Authorization struct {
	Rule *Rule
	// Prefix is the rule path that matched.
	Prefix string
}

// Matched reports whether a rule applies.
func (a Authorization) Matched() bool {
	return a.Rule != nil
}

type entry struct {
	prefix string
	rule   *Rule
}

// RuleSet is an ordered, read-only collection of rules.
type RuleSet struct {
	rules   []Rule
	entries []entry
}

// NewRuleSet validates rules and indexes their prefixes. Two rules
// claiming the same prefix are rejected as ambiguous.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	rs := &RuleSet{rules: make([]Rule, len(rules))}
	seen := map[string]int{}

	for i := range rules {
		r := rules[i]
		if r.Password == "" {
			return nil, fmt.Errorf("rule %d: password is required", i)
		}
		tag, err := crypt.ParseTag(string(r.Tag))
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		r.Tag = tag
		if len(r.Paths) == 0 {
			return nil, fmt.Errorf("rule %d: at least one path is required", i)
		}

		var prefixes []string
		for _, p := range r.Paths {
			p = cleanPrefix(p)
			if prev, ok := seen[p]; ok {
				return nil, fmt.Errorf("rules %d and %d both claim %s", prev, i, p)
			}
			seen[p] = i
			if !slices.Contains(prefixes, p) {
				prefixes = append(prefixes, p)
			}
		}
		r.Paths = prefixes
		rs.rules[i] = r
	}

	for i := range rs.rules {
		for _, p := range rs.rules[i].Paths {
			rs.entries = append(rs.entries, entry{prefix: p, rule: &rs.rules[i]})
		}
	}

	// Longest prefix first; the first segment-aligned hit wins.
	sort.SliceStable(rs.entries, func(i, j int) bool {
		return len(rs.entries[i].prefix) > len(rs.entries[j].prefix)
	})
	return rs, nil
}

// Rules returns a copy of the rules in configuration order.
func (rs *RuleSet) Rules() []Rule {
	if rs == nil {
		return nil
	}
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Resolve normalizes virtualPath and returns the most specific rule
// whose prefix contains it on a path-segment boundary.
func (rs *RuleSet) Resolve(virtualPath string) Authorization {
	return rs.Match(NormalizePath(virtualPath))
}

// Match is Resolve for a path that is already clean and carries no
// access prefix, e.g. a backend path or a path below the WebDAV mount.
func (rs *RuleSet) Match(cleanPath string) Authorization {
	if rs == nil {
		return Authorization{}
	}
	for _, e := range rs.entries {
		if segmentPrefix(cleanPath, e.prefix) {
			return Authorization{Rule: e.rule, Prefix: e.prefix}
		}
	}
	return Authorization{}
}

// NormalizePath URL-decodes p, strips the /d/ and /p/ access prefixes
// and cleans the result.
func NormalizePath(p string) string {
	p = CleanPath(p)
	for _, pre := range accessPrefixes {
		if strings.HasPrefix(p, pre) {
			return path.Clean("/" + strings.TrimPrefix(p, pre))
		}
	}
	return p
}

// CleanPath URL-decodes p and cleans it. Access prefixes are kept.
func CleanPath(p string) string {
	if dec, err := url.PathUnescape(p); err == nil {
		p = dec
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// cleanPrefix accepts the "/dir/*" form used by older configurations.
func cleanPrefix(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimSuffix(p, "*")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func segmentPrefix(p, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}
