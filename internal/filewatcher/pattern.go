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
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// PatternMatcher matches file paths against exclude glob patterns.
// It uses doublestar for extended glob pattern support including ** for recursive matching.
type PatternMatcher struct {
	patterns []string
}

// NewPatternMatcher creates a pattern matcher for the given patterns.
// Patterns support extended glob syntax via doublestar:
//   - * matches any sequence of non-path-separators
//   - ** matches any sequence of characters including path separators
//   - ? matches a single non-path-separator character
//   - [class] matches any single character in the class
func NewPatternMatcher(patterns []string) (*PatternMatcher, error) {
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}

	return &PatternMatcher{patterns: patterns}, nil
}

// Match returns true if any pattern matches the path.
// Path matching is performed against the full path and each of its components.
func (pm *PatternMatcher) Match(path string) bool {
	if pm == nil {
		return false
	}
	for _, pattern := range pm.patterns {
		if matchPattern(pattern, path) {
			return true
		}
	}
	return false
}

// Patterns returns the configured patterns.
func (pm *PatternMatcher) Patterns() []string {
	if pm == nil {
		return nil
	}
	return pm.patterns
}

func matchPattern(pattern, path string) bool {
	if matched, _ := doublestar.PathMatch(pattern, path); matched {
		return true
	}

	// A pattern matching any single component excludes the whole subtree,
	// so "node_modules" or "*.log" work without a leading "**/".
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == "" {
			continue
		}
		if matched, _ := doublestar.Match(pattern, part); matched {
			return true
		}
	}

	return false
}
