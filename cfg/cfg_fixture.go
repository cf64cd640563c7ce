// SPDX-License-Identifier: MIT

//go:build test

package cfg

import (
	"os"
	"path"
	"path/filepath"
)

func init() {
	mustInit(findAllApplicationConfigFiles()...)
}

func findAllApplicationConfigFiles() []string {
	var files []string
	var hints []string

	if p, err := os.Getwd(); err == nil {
		hints = append(hints, p)
	}
	if p, err := os.Executable(); err == nil {
		hints = append(hints, path.Dir(filepath.Join(p, "..")))
	}

	for _, dir := range hints {
		for _, pattern := range []string{
			filepath.Join(dir, ".testdata", "application.yaml"),
			filepath.Join(dir, "application.yaml"),
			filepath.Join(dir, "..", "application.yaml"),
		} {
			if f, err := filepath.Glob(pattern); err == nil {
				files = append(files, f...)
			}
		}
	}

	return files
}
