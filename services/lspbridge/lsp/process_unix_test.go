// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

//go:build unix

package lsp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestSpawn_EnvAndStderr(t *testing.T) {
	requireShell(t)

	var mu sync.Mutex
	var stderr []string
	p, err := Spawn(context.Background(), LaunchSpec{
		Argv: []string{"sh", "-c", `echo "value=$LSPBRIDGE_TEST"; echo "warning: on stderr" >&2`},
		Dir:  t.TempDir(),
		Env:  map[string]string{"LSPBRIDGE_TEST": "overlay"},
	}, ProcessOptions{
		Language: "sh",
		Logger:   discardLogger(),
		OnStderr: func(line string) {
			mu.Lock()
			stderr = append(stderr, line)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer func() { _ = p.Terminate(time.Second) }()

	line, err := bufio.NewReader(p.Stdout()).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "value=overlay\n", line)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	assert.NoError(t, p.ExitErr())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"warning: on stderr"}, stderr)
}

func TestProcess_TerminateEscalatesToKill(t *testing.T) {
	requireShell(t)

	p, err := Spawn(context.Background(), LaunchSpec{
		Argv: []string{"sh", "-c", `trap '' TERM; sleep 30`},
	}, ProcessOptions{Language: "sh", Logger: discardLogger()})
	require.NoError(t, err)

	started := time.Now()
	require.NoError(t, p.Terminate(100*time.Millisecond))
	assert.Less(t, time.Since(started), 5*time.Second)

	select {
	case <-p.Done():
	default:
		t.Fatal("process still running after Terminate")
	}

	require.NoError(t, p.Terminate(100*time.Millisecond), "Terminate is idempotent")
}

func TestProcess_TerminateCooperative(t *testing.T) {
	requireShell(t)

	p, err := Spawn(context.Background(), LaunchSpec{
		Argv: []string{"sh", "-c", `read line`},
	}, ProcessOptions{Language: "sh", Logger: discardLogger()})
	require.NoError(t, err)

	// Closing stdin is enough for a well-behaved server to exit.
	require.NoError(t, p.Terminate(2*time.Second))
	<-p.Done()
}

// processAlive reports whether pid is running. Zombies count as gone since
// an orphan is only reaped once its new parent gets to it.
func processAlive(pid int) bool {
	if err := unix.Kill(pid, 0); err != nil {
		return false
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	i := bytes.LastIndexByte(stat, ')')
	return i < 0 || i+2 >= len(stat) || stat[i+2] != 'Z'
}

func TestProcess_TerminateKillsOrphansAfterLeaderExit(t *testing.T) {
	requireShell(t)

	p, err := Spawn(context.Background(), LaunchSpec{
		Argv: []string{"sh", "-c", `sleep 300 </dev/null >/dev/null 2>&1 & echo $!; exit 1`},
	}, ProcessOptions{Language: "sh", Logger: discardLogger()})
	require.NoError(t, err)

	line, err := bufio.NewReader(p.Stdout()).ReadString('\n')
	require.NoError(t, err)
	child, err := strconv.Atoi(strings.TrimSpace(line))
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Kill(child, unix.SIGKILL) })

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("leader did not exit")
	}
	require.True(t, processAlive(child), "background child should outlive the leader")

	require.NoError(t, p.Terminate(200*time.Millisecond))
	assert.Eventually(t, func() bool { return !processAlive(child) }, 2*time.Second, 20*time.Millisecond,
		"child %d survived Terminate", child)
}
