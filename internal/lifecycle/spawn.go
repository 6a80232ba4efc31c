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

package lifecycle

import (
	"io"
	"os"
	"os/exec"

	devErrors "github.com/OneGov/onegov.server/pkg/errors"
)

// ChildSpec describes how to launch a child. The application itself is
// rebuilt inside the child from ConfigFile, so the spec is plain data.
type ChildSpec struct {
	// Binary is the executable to run. Defaults to the running executable.
	Binary string

	// Env is the child environment. Nil inherits the supervisor's.
	Env []string

	Host       string
	Port       int
	ConfigFile string

	// Stdin, Stdout and Stderr default to the supervisor's own streams so
	// interactive debuggers inside the application keep working.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// command builds the child command for one instance. ready is inherited
// as ReadyFD.
func (s ChildSpec) command(instance string, ready *os.File) (*exec.Cmd, error) {
	binary := s.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, devErrors.Wrap(err, "failed to resolve executable")
		}
		binary = exe
	}

	opts := ChildOptions{
		Host:       s.Host,
		Port:       s.Port,
		ConfigFile: s.ConfigFile,
		Instance:   instance,
		ReadyFD:    ReadyFD,
	}

	cmd := exec.Command(binary, opts.Args()...)
	cmd.Env = s.Env
	cmd.ExtraFiles = []*os.File{ready}

	cmd.Stdin = s.Stdin
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	cmd.Stdout = s.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	// No new process group: a terminal Ctrl+C reaches the child directly.
	return cmd, nil
}
