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

// Package filewatcher watches a directory tree and reports changes that
// should restart the development server.
package filewatcher

import "path/filepath"

// Op is the kind of filesystem change.
type Op string

const (
	OpCreated  Op = "created"
	OpModified Op = "modified"
	OpDeleted  Op = "deleted"
	OpRenamed  Op = "renamed"
)

// Event is one filesystem change below the watched root.
type Event struct {
	// Path is the absolute path of the changed file or directory.
	Path string

	// Op is the kind of change.
	Op Op

	// IsDir is set for created directories.
	IsDir bool
}

// NewEvent builds an Event with a cleaned path.
func NewEvent(path string, op Op, isDir bool) Event {
	return Event{Path: filepath.Clean(path), Op: op, IsDir: isDir}
}

// Handler receives events from a Watcher. HandleEvent is called from the
// watcher's goroutine, one event at a time.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

// HandleEvent calls f(e).
func (f HandlerFunc) HandleEvent(e Event) {
	f(e)
}
