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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	internallog "github.com/OneGov/onegov.server/internal/log"
	devErrors "github.com/OneGov/onegov.server/pkg/errors"
)

// ChildFlag marks an invocation of the binary as a supervised child.
// It must be the first argument so it can be detected before any CLI parsing.
const ChildFlag = "--serve-child"

// ReadyFD is the descriptor the readiness channel is inherited on
// (the first entry of exec.Cmd.ExtraFiles).
const ReadyFD = 3

// Child exit codes.
const (
	ExitServeFailure   = 1
	ExitBindFailure    = 3
	ExitStartupFailure = 4
)

// AppFactory builds the request handler served by a child.
// It runs inside the child process.
type AppFactory func() (http.Handler, error)

// ChildOptions is everything a child needs from its supervisor.
type ChildOptions struct {
	Host       string
	Port       int
	ConfigFile string
	Instance   string

	// ReadyFD is the inherited readiness descriptor. Zero runs without one.
	ReadyFD int

	// Stdout receives the started notice and access log. Defaults to os.Stdout.
	Stdout io.Writer

	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Args renders the options as child command line arguments.
func (o ChildOptions) Args() []string {
	return []string{
		ChildFlag,
		"--host", o.Host,
		"--port", strconv.Itoa(o.Port),
		"--config-file", o.ConfigFile,
		"--instance", o.Instance,
		"--ready-fd", strconv.Itoa(o.ReadyFD),
	}
}

// IsChildInvocation reports whether args (without the program name)
// belong to a supervised child.
func IsChildInvocation(args []string) bool {
	return len(args) > 0 && args[0] == ChildFlag
}

// ParseChildArgs parses arguments produced by ChildOptions.Args.
func ParseChildArgs(args []string) (ChildOptions, error) {
	var opts ChildOptions

	fs := pflag.NewFlagSet("serve-child", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Bool("serve-child", false, "run as a supervised child")
	fs.StringVar(&opts.Host, "host", "127.0.0.1", "bind host")
	fs.IntVar(&opts.Port, "port", 0, "bind port")
	fs.StringVar(&opts.ConfigFile, "config-file", "", "configuration file")
	fs.StringVar(&opts.Instance, "instance", "", "instance id")
	fs.IntVar(&opts.ReadyFD, "ready-fd", 0, "readiness descriptor")

	if err := fs.Parse(args); err != nil {
		return ChildOptions{}, devErrors.Wrap(err, "invalid child arguments")
	}
	if opts.Port < 0 || opts.Port > 65535 {
		return ChildOptions{}, fmt.Errorf("invalid child port %d", opts.Port)
	}

	return opts, nil
}

// ServeChild runs the child side of a supervised process:
//
//  1. an interrupt exits the process immediately, without draining requests
//  2. the terminal is reset, best effort
//  3. the application is built by factory
//  4. a listener is bound on host:port
//  5. the bound port, then the ready flag, are published
//  6. the started notice is printed
//  7. requests are served until ctx is done
//
// A factory failure returns *errors.StartupError and a bind failure returns
// *errors.BindError; in both cases readiness is never published.
func ServeChild(ctx context.Context, opts ChildOptions, factory AppFactory) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	stopInterrupt := exitOnInterrupt()
	defer stopInterrupt()

	if err := ResetTerminal(); err != nil {
		logger.Debug("terminal reset skipped", internallog.Error(err))
	}

	handler, err := factory()
	if err != nil {
		return &devErrors.StartupError{Stage: "application factory", Cause: err}
	}

	var readiness *Readiness
	if opts.ReadyFD > 0 {
		readiness, err = OpenReadiness(os.NewFile(uintptr(opts.ReadyFD), "readiness"))
		if err != nil {
			return &devErrors.StartupError{Stage: "readiness channel", Cause: err}
		}
		defer readiness.Close()
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)))
	if err != nil {
		return &devErrors.BindError{Host: opts.Host, Port: opts.Port, Cause: err}
	}

	port := ln.Addr().(*net.TCPAddr).Port
	if readiness != nil {
		if err := readiness.Publish(port); err != nil {
			ln.Close()
			return &devErrors.StartupError{Stage: "readiness publish", Cause: err}
		}
	}

	fmt.Fprintf(stdout, "started onegov server on https://%s:%d\n", opts.Host, port)
	logger.Debug("child serving",
		slog.String(internallog.InstanceKey, opts.Instance),
		slog.Int(internallog.PortKey, port))

	srv := &http.Server{
		Handler:           internallog.AccessLog(stdout, handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	stopClose := context.AfterFunc(ctx, func() {
		srv.Close()
	})
	defer stopClose()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return devErrors.Wrap(err, "serve")
	}
	return nil
}

// ChildExitCode maps a ServeChild result to the child's exit status.
func ChildExitCode(err error) int {
	if err == nil {
		return 0
	}

	var bindErr *devErrors.BindError
	if devErrors.As(err, &bindErr) {
		return ExitBindFailure
	}

	var startupErr *devErrors.StartupError
	if devErrors.As(err, &startupErr) {
		return ExitStartupFailure
	}

	return ExitServeFailure
}

// exitError maps a reaped child's exit status back to the typed error the
// child failed with, so the parent can classify it.
func exitError(spec ChildSpec, code int, err error) error {
	if err == nil {
		return nil
	}
	switch code {
	case ExitBindFailure:
		return &devErrors.BindError{Host: spec.Host, Port: spec.Port, Cause: err}
	case ExitStartupFailure:
		return &devErrors.StartupError{Stage: "application factory", Cause: err}
	default:
		return err
	}
}

// exitOnInterrupt makes an interrupt terminate the child at once.
// In-flight requests are dropped; a hung child must never outlive Ctrl+C.
func exitOnInterrupt() (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)

	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
			os.Exit(0)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
