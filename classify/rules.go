package classify

import (
	"regexp"
	"strings"

	"github.com/onnwee/feedmaid/feed"
)

// Filter rule prefixes. Prefix matching is case-sensitive.
const (
	sourcePrefix        = "source:"
	linkPrefix          = "link:"
	caseSensitivePrefix = "?-i:"
)

// Rule is one parsed content filter. The set of implementations is closed:
// SourceRule, LinkRule, CaseSensitiveRule and SubstringRule.
type Rule interface {
	Match(it *feed.Item) bool
	String() string
	rule()
}

// SourceRule matches the posting client name, case-insensitively.
type SourceRule struct{ Name string }

// LinkRule matches a fragment of any expanded URL.
type LinkRule struct{ Fragment string }

// CaseSensitiveRule matches raw item text verbatim.
type CaseSensitiveRule struct{ Text string }

// SubstringRule matches item text case-insensitively.
type SubstringRule struct{ Text string }

func (SourceRule) rule()        {}
func (LinkRule) rule()          {}
func (CaseSensitiveRule) rule() {}
func (SubstringRule) rule()     {}

var anchorRe = regexp.MustCompile(`(?s)^<a .+?>(.+?)</a>$`)

// SourceName strips the anchor markup the platform wraps client names in.
func SourceName(source string) string {
	return anchorRe.ReplaceAllString(strings.ToLower(source), "$1")
}

func (r SourceRule) Match(it *feed.Item) bool {
	return strings.ToLower(r.Name) == SourceName(it.Source)
}

func (r LinkRule) Match(it *feed.Item) bool {
	for _, u := range it.Entities.URLs {
		if u.ExpandedURL != "" && strings.Contains(u.ExpandedURL, r.Fragment) {
			return true
		}
	}
	return false
}

func (r CaseSensitiveRule) Match(it *feed.Item) bool {
	return strings.Contains(it.Body(), r.Text)
}

func (r SubstringRule) Match(it *feed.Item) bool {
	return strings.Contains(strings.ToLower(it.Body()), strings.ToLower(r.Text))
}

func (r SourceRule) String() string        { return sourcePrefix + r.Name }
func (r LinkRule) String() string          { return linkPrefix + r.Fragment }
func (r CaseSensitiveRule) String() string { return caseSensitivePrefix + r.Text }
func (r SubstringRule) String() string     { return r.Text }

// ParseRule turns a configured filter string into a Rule.
func ParseRule(s string) Rule {
	switch {
	case strings.HasPrefix(s, sourcePrefix):
		return SourceRule{Name: s[len(sourcePrefix):]}
	case strings.HasPrefix(s, linkPrefix):
		return LinkRule{Fragment: s[len(linkPrefix):]}
	case strings.HasPrefix(s, caseSensitivePrefix):
		return CaseSensitiveRule{Text: s[len(caseSensitivePrefix):]}
	default:
		return SubstringRule{Text: s}
	}
}

// ParseRules parses filters in order, skipping empty entries.
func ParseRules(filters []string) []Rule {
	rules := make([]Rule, 0, len(filters))
	for _, f := range filters {
		if f == "" {
			continue
		}
		rules = append(rules, ParseRule(f))
	}
	return rules
}

// IsFiltered reports whether any rule matches the item.
func IsFiltered(rules []Rule, it *feed.Item) bool {
	for _, r := range rules {
		if r.Match(it) {
			return true
		}
	}
	return false
}
