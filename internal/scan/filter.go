package scan

import (
	ignore "github.com/sabhiram/go-gitignore"
)

// Filter decides which relative paths take part in a sync. Patterns follow
// gitignore syntax: "*.js" matches at any depth, "build/" matches a
// directory and everything below it, a pattern containing a slash is
// anchored at the root.
type Filter struct {
	include *ignore.GitIgnore
	exclude *ignore.GitIgnore
}

// NewFilter compiles include and exclude patterns. An empty include list
// admits every path. Exclude wins over include.
func NewFilter(include, exclude []string) *Filter {
	f := &Filter{}
	if len(include) > 0 {
		f.include = ignore.CompileIgnoreLines(include...)
	}
	if len(exclude) > 0 {
		f.exclude = ignore.CompileIgnoreLines(exclude...)
	}
	return f
}

// Match reports whether the file at the slash-separated path rel is included.
func (f *Filter) Match(rel string) bool {
	if f == nil {
		return true
	}
	if f.exclude != nil && f.exclude.MatchesPath(rel) {
		return false
	}
	if f.include != nil {
		return f.include.MatchesPath(rel)
	}
	return true
}

// ExcludesDir reports whether the directory at rel is excluded, in which case
// it is not descended into.
func (f *Filter) ExcludesDir(rel string) bool {
	if f == nil || f.exclude == nil {
		return false
	}
	return f.exclude.MatchesPath(rel + "/")
}
