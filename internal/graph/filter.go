package graph

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

const globPrefix = "glob:"

// nameFilter matches proxy names against a backtick-separated list of
// patterns. A pattern prefixed with "glob:" is a case-insensitive glob,
// anything else is a regular expression.
type nameFilter struct {
	globs []string
	res   []*regexp.Regexp
}

func compileFilter(s string) (*nameFilter, error) {
	f := &nameFilter{}
	for _, p := range strings.Split(s, "`") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if g, ok := strings.CutPrefix(p, globPrefix); ok {
			g = strings.ToLower(g)
			if _, err := path.Match(g, ""); err != nil {
				return nil, fmt.Errorf("glob %q: %w", g, err)
			}
			f.globs = append(f.globs, g)
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		f.res = append(f.res, re)
	}
	if len(f.globs) == 0 && len(f.res) == 0 {
		return nil, nil
	}
	return f, nil
}

func (f *nameFilter) match(name string) bool {
	lower := strings.ToLower(name)
	for _, g := range f.globs {
		if ok, _ := path.Match(g, lower); ok {
			return true
		}
	}
	for _, re := range f.res {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
