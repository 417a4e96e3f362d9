// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultShutdownGrace bounds the graceful part of a teardown.
const DefaultShutdownGrace = 5 * time.Second

// LaunchSpec is the command line an adapter builds for its server.
type LaunchSpec struct {
	// Argv is the program and its arguments. Argv[0] is resolved via PATH.
	Argv []string

	// Dir is the working directory. Empty means the repository root.
	Dir string

	// Env overlays the inherited environment; it never replaces it.
	Env map[string]string
}

// ProcessOptions configures Spawn.
type ProcessOptions struct {
	// Language labels logs and launch errors.
	Language string

	// Remediation is attached to launch errors (what to install).
	Remediation string

	// OnStderr receives each stderr line. Nil logs lines at debug level.
	OnStderr func(line string)

	Logger *slog.Logger
}

// ServerProcess is the part of a running server a Session depends on.
type ServerProcess interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Done() <-chan struct{}
	Terminate(grace time.Duration) error
}

// Launcher starts a server process. Spawn is the production launcher.
type Launcher func(ctx context.Context, spec LaunchSpec, opts ProcessOptions) (ServerProcess, error)

// SpawnLauncher adapts Spawn to the Launcher signature.
func SpawnLauncher(ctx context.Context, spec LaunchSpec, opts ProcessOptions) (ServerProcess, error) {
	p, err := Spawn(ctx, spec, opts)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Process is a supervised language server process.
//
// Description:
//
//	Owns the process's lifetime. Stdin and stdout carry the protocol;
//	stderr is split into lines and handed to OnStderr, never parsed as
//	protocol data. On unix the server runs in its own process group so
//	Terminate also reaches anything the server spawned.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	logger *slog.Logger

	done    chan struct{}
	waitErr error

	termOnce sync.Once
}

// Spawn starts the process described by spec.
//
// Outputs:
//
//	*Process - The running process
//	error - *ProcessLaunchError if the binary is missing or fails to start
func Spawn(ctx context.Context, spec LaunchSpec, opts ProcessOptions) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(spec.Argv) == 0 {
		return nil, &ProcessLaunchError{Language: opts.Language, Remediation: opts.Remediation, Err: errors.New("empty command")}
	}

	path, err := exec.LookPath(spec.Argv[0])
	if err != nil {
		return nil, &ProcessLaunchError{
			Language:    opts.Language,
			Command:     spec.Argv[0],
			Remediation: opts.Remediation,
			Err:         err,
		}
	}

	cmd := exec.Command(path, spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = MergeEnv(os.Environ(), spec.Env)
	configureProcAttr(cmd)

	onLine := opts.OnStderr
	if onLine == nil {
		onLine = func(line string) {
			logger.Debug("language server stderr", slog.String("line", line))
		}
	}
	stderr := &lineWriter{onLine: onLine}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ProcessLaunchError{Language: opts.Language, Command: path, Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	// stdout is an os.Pipe owned by us so the reader sees a clean EOF when
	// the server exits instead of racing cmd.Wait closing the pipe.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, &ProcessLaunchError{Language: opts.Language, Command: path, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	cmd.Stdout = stdoutW
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, &ProcessLaunchError{
			Language:    opts.Language,
			Command:     path,
			Remediation: opts.Remediation,
			Err:         err,
		}
	}
	_ = stdoutW.Close()

	logger.Info("Started language server",
		slog.String("language", opts.Language),
		slog.String("command", path),
		slog.Int("pid", cmd.Process.Pid),
	)

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		logger: logger,
		done:   make(chan struct{}),
	}
	go p.wait(stderr)
	return p, nil
}

func (p *Process) wait(stderr *lineWriter) {
	p.waitErr = p.cmd.Wait()
	stderr.flush()
	close(p.done)
}

// Stdin returns the pipe to the server's standard input.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the pipe from the server's standard output.
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Pid returns the operating system process ID.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// ExitErr returns the error from Wait. Valid only after Done is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}

// Terminate stops the process tree.
//
// Description:
//
//	Closes stdin, asks the process group to terminate, waits up to grace
//	and then kills the leader. Whatever the server spawned is killed with
//	its group once the leader is gone, including when the leader had
//	already exited before Terminate was called. Calling Terminate again
//	is a no-op.
func (p *Process) Terminate(grace time.Duration) error {
	p.termOnce.Do(func() {
		if grace <= 0 {
			grace = DefaultShutdownGrace
		}
		_ = p.stdin.Close()

		select {
		case <-p.done:
		default:
			p.stopLeader(grace)
		}

		if err := killTree(p.cmd.Process); err != nil {
			p.logger.Warn("orphan cleanup failed", slog.Int("pid", p.Pid()), slog.String("error", err.Error()))
		}
	})
	_ = p.stdout.Close()
	return nil
}

func (p *Process) stopLeader(grace time.Duration) {
	if err := signalTerminate(p.cmd.Process); err != nil {
		p.logger.Debug("terminate signal failed", slog.Int("pid", p.Pid()), slog.String("error", err.Error()))
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return
	case <-timer.C:
	}

	p.logger.Warn("Language server did not exit, killing process tree", slog.Int("pid", p.Pid()))
	if err := killTree(p.cmd.Process); err != nil {
		p.logger.Warn("kill failed", slog.Int("pid", p.Pid()), slog.String("error", err.Error()))
	}
	<-p.done
}

// MergeEnv overlays overlay onto base (KEY=VALUE entries). Keys in overlay
// replace same-named entries; all other inherited entries are kept.
func MergeEnv(base []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, replaced := overlay[key]; replaced {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overlay[k])
	}
	return out
}

// lineWriter splits a byte stream into lines.
type lineWriter struct {
	mu     sync.Mutex
	buf    []byte
	onLine func(string)
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		if line != "" {
			w.onLine(line)
		}
	}
	return len(b), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.onLine(strings.TrimRight(string(w.buf), "\r"))
		w.buf = nil
	}
}
