// SPDX-License-Identifier: MIT

// Package logger keeps all process logging on one zap logger so nothing
// ever writes to stdout behind the terminal UI's back.
package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	initOnce sync.Once
	root     *zap.Logger
)

// MustInit builds the process logger. Logs go to stderr: stdout belongs
// to the chat REPL and the visualizer feed.
func MustInit(debug bool) {
	initOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.OutputPaths = []string{"stderr"}
		cfg.ErrorOutputPaths = []string{"stderr"}
		if debug {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		l, err := cfg.Build()
		if err != nil {
			panic(err)
		}
		root = l
	})
}

func Named(name string) *zap.Logger {
	if root == nil {
		MustInit(false)
	}

	return root.Named(name)
}

func Sync() {
	if root != nil {
		_ = root.Sync()
	}
}
