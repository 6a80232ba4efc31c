// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package filewatcher

import (
	"path/filepath"
	"strings"
)

// SelfComponent is the directory name of the dev server's own source tree.
// Changes below it never restart the server.
const SelfComponent = "onegov.server"

// Rejection reasons reported by Filter.Reason.
const (
	ReasonEmpty    = "empty"
	ReasonCompiled = "compiled"
	ReasonVCS      = "vcs"
	ReasonCache    = "cache"
	ReasonSelf     = "self"
	ReasonExcluded = "excluded"
)

var (
	// compiledSuffixes are build and bytecode artifacts.
	compiledSuffixes = []string{".pyc", ".pyo", ".o", ".a", ".so", ".test"}

	// vcsDirs are version control metadata directories.
	vcsDirs = map[string]bool{".git": true, ".hg": true, ".svn": true, ".bzr": true}

	// cacheDirs are bytecode cache directories.
	cacheDirs = map[string]bool{"__pycache__": true}
)

// Filter decides whether a changed path should restart the server.
// It has no state beyond its configuration and is safe for concurrent use.
//
// When rooted, the component and glob rules only see the part of a path
// below the root, so directories above the project never reject a change.
type Filter struct {
	root      string
	selfPaths []string
	exclude   *PatternMatcher
}

// DefaultFilter returns a Filter with the built-in rules only.
func DefaultFilter() *Filter {
	return &Filter{}
}

// NewFilter returns a Filter that additionally rejects paths below any of
// selfPaths and paths matching any exclude glob.
func NewFilter(selfPaths, exclude []string) (*Filter, error) {
	matcher, err := NewPatternMatcher(exclude)
	if err != nil {
		return nil, err
	}

	f := &Filter{exclude: matcher}
	for _, p := range selfPaths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		f.selfPaths = append(f.selfPaths, filepath.Clean(abs))
	}
	return f, nil
}

// WithRoot returns a copy of f whose rules apply to paths relative to root.
// Configured self paths are still compared as absolute paths.
func (f *Filter) WithRoot(root string) (*Filter, error) {
	abs, err := NormalizePath(root)
	if err != nil {
		return nil, err
	}

	rooted := &Filter{}
	if f != nil {
		*rooted = *f
	}
	rooted.root = abs
	return rooted, nil
}

// Root returns the root the filter is relative to, or "" if unrooted.
func (f *Filter) Root() string {
	if f == nil {
		return ""
	}
	return f.root
}

// Accept reports whether a change to path should trigger a restart.
func (f *Filter) Accept(path string) bool {
	return f.Reason(path) == ""
}

// AcceptDir reports whether a directory is worth watching at all.
func (f *Filter) AcceptDir(path string) bool {
	switch f.Reason(path) {
	case "", ReasonCompiled:
		return true
	default:
		return false
	}
}

// Reason returns why path is rejected, or "" if it is accepted.
func (f *Filter) Reason(path string) string {
	if path == "" {
		return ReasonEmpty
	}

	rel := f.relative(path)

	for _, suffix := range compiledSuffixes {
		if strings.HasSuffix(rel, suffix) {
			return ReasonCompiled
		}
	}

	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		switch {
		case vcsDirs[part]:
			return ReasonVCS
		case cacheDirs[part]:
			return ReasonCache
		case part == SelfComponent:
			return ReasonSelf
		}
	}

	if f != nil {
		clean := filepath.Clean(path)
		for _, self := range f.selfPaths {
			if clean == self || strings.HasPrefix(clean, self+string(filepath.Separator)) {
				return ReasonSelf
			}
		}

		if f.exclude.Match(rel) {
			return ReasonExcluded
		}
	}

	return ""
}

// relative returns path below the filter root. Paths outside the root and
// unrooted filters keep the path as given.
func (f *Filter) relative(path string) string {
	if f == nil || f.root == "" || !filepath.IsAbs(path) {
		return path
	}
	rel, err := filepath.Rel(f.root, filepath.Clean(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}
