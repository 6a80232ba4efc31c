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
	"os"
	"os/exec"

	"golang.org/x/term"
)

// ResetTerminal runs `stty sane` on the controlling terminal, in case a
// previous child left it in raw mode. It does nothing when stdin is not a
// terminal. Callers ignore the error.
func ResetTerminal() error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}

	cmd := exec.Command("stty", "sane")
	cmd.Stdin = os.Stdin
	return cmd.Run()
}
