// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReplReturnsOnContextCancel(t *testing.T) {
	t.Parallel()

	// A pipe that never produces a line: the read stays pending forever.
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- repl(ctx, pr, nil, nil) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("repl kept blocking on input after cancellation")
	}
}

func TestReplQuitCommands(t *testing.T) {
	t.Parallel()

	for _, command := range []string{"/quit\n", "/exit\n", "exit\n", ""} {
		require.NoError(t, repl(context.Background(), strings.NewReader(command), nil, nil))
	}
}
