package acl

import (
	"regexp"
	"strings"
	"sync"
)

// Wildcard matches any run of characters, dots included, so "api.*"
// covers every id below api at any depth.
const Wildcard = "*"

var (
	matchMu    sync.RWMutex
	matchCache = make(map[string]*regexp.Regexp)
)

// Match reports whether a canonical id matches a pattern. A pattern
// without a wildcard requires exact equality; the pure wildcard
// matches everything. Compiled patterns are memoized.
func Match(pattern, id string) bool {
	if pattern == Wildcard {
		return true
	}
	if !strings.Contains(pattern, Wildcard) {
		return pattern == id
	}
	re, err := compileMatch(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(id)
}

func compileMatch(pattern string) (*regexp.Regexp, error) {
	matchMu.RLock()
	re, ok := matchCache[pattern]
	matchMu.RUnlock()
	if ok {
		return re, nil
	}

	expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}

	matchMu.Lock()
	matchCache[pattern] = re
	matchMu.Unlock()
	return re, nil
}

// pattern is one compiled caller or target matcher.
type pattern struct {
	exact string
	re    *regexp.Regexp
	all   bool
}

func compilePattern(p string) (*pattern, error) {
	if p == Wildcard {
		return &pattern{all: true}, nil
	}
	if !strings.Contains(p, Wildcard) {
		return &pattern{exact: p}, nil
	}
	re, err := compileMatch(p)
	if err != nil {
		return nil, err
	}
	return &pattern{re: re}, nil
}

func (p *pattern) match(id string) bool {
	switch {
	case p.all:
		return true
	case p.re != nil:
		return p.re.MatchString(id)
	default:
		return p.exact == id
	}
}

// Specificity scores how precisely a pattern pins down an id: +2 per
// exact segment, +1 per segment mixing literals and wildcards, +0 per
// pure-wildcard segment. Diagnostic only, never decision-affecting.
func Specificity(pattern string) int {
	score := 0
	for _, seg := range strings.Split(pattern, ".") {
		switch {
		case seg == Wildcard:
			// full wildcard, no points
		case strings.Contains(seg, Wildcard):
			score++
		default:
			score += 2
		}
	}
	return score
}
