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

/*
Package lifecycle runs the application server in a supervised child process.

The supervisor re-executes its own binary with ChildFlag as the first
argument. The child parses its options, builds the application and binds a
listener, then reports the bound port back through a Readiness channel: two
int32 slots in a shared mapping of an unlinked temp file, inherited as
ReadyFD. Nothing else is shared between the two processes.

# Supervisor side

	proc := lifecycle.Spawn(lifecycle.ChildSpec{
	    Host:       "127.0.0.1",
	    Port:       0,
	    ConfigFile: "onegov.yml",
	})
	if err := proc.Start(); err != nil {
	    // Handle error
	}
	if err := proc.WaitReady(ctx); err != nil {
	    // ErrExitedBeforeReady: bind or factory failure
	}
	fmt.Println(proc.Port())

	proc.Terminate()
	proc.Join(5 * time.Second)

Every started child is reaped by a background goroutine, so a Process that
is terminated and never joined still leaves no zombie behind.

# Child side

	if lifecycle.IsChildInvocation(os.Args[1:]) {
	    opts, err := lifecycle.ParseChildArgs(os.Args[1:])
	    // ...
	    err = lifecycle.ServeChild(ctx, opts, factory)
	    os.Exit(lifecycle.ChildExitCode(err))
	}

An interrupt makes the child exit immediately. In-flight requests are not
drained.
*/
package lifecycle
