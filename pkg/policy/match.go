package policy

import (
	"regexp"
	"strings"
)

type pathPrefixMatch string

func (p pathPrefixMatch) Matches(req Request) bool {
	return strings.HasPrefix(req.Path, string(p))
}

type pathRegexMatch struct {
	rx *regexp.Regexp
}

func (p *pathRegexMatch) Matches(req Request) bool {
	return p.rx.MatchString(req.Path)
}

type methodMatch string

func (m methodMatch) Matches(req Request) bool {
	return strings.EqualFold(req.Method, string(m))
}

type allMatch []RequestMatch

func (a allMatch) Matches(req Request) bool {
	for _, m := range a {
		if !m.Matches(req) {
			return false
		}
	}
	return true
}

type anyMatch []RequestMatch

func (a anyMatch) Matches(req Request) bool {
	for _, m := range a {
		if m.Matches(req) {
			return true
		}
	}
	return false
}

type notMatch struct {
	m RequestMatch
}

func (n notMatch) Matches(req Request) bool {
	return !n.m.Matches(req)
}

// anyRequest is the default route's predicate.
type anyRequest struct{}

func (anyRequest) Matches(Request) bool {
	return true
}

// statusRangeMatch matches an inclusive status range. A zero bound is
// open on that end.
type statusRangeMatch struct {
	min, max uint32
}

func (s statusRangeMatch) MatchesStatus(status uint32) bool {
	if s.min != 0 && status < s.min {
		return false
	}
	if s.max != 0 && status > s.max {
		return false
	}
	return true
}

type allResponseMatch []ResponseMatch

func (a allResponseMatch) MatchesStatus(status uint32) bool {
	for _, m := range a {
		if !m.MatchesStatus(status) {
			return false
		}
	}
	return true
}

type anyResponseMatch []ResponseMatch

func (a anyResponseMatch) MatchesStatus(status uint32) bool {
	for _, m := range a {
		if m.MatchesStatus(status) {
			return true
		}
	}
	return false
}

type notResponseMatch struct {
	m ResponseMatch
}

func (n notResponseMatch) MatchesStatus(status uint32) bool {
	return !n.m.MatchesStatus(status)
}
