// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil reads the text files given in flags and settings.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ExpandHome replaces a leading "~" or "~user" in filePath by the corresponding home directory.
// Other paths are returned unchanged.
func ExpandHome(filePath string) (string, error) {
	rest, ok := strings.CutPrefix(filePath, "~")
	if !ok {
		return filePath, nil
	}
	userName, rest, _ := strings.Cut(rest, "/")
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for path %q", filePath)
	}
	return filepath.Join(usr.HomeDir, rest), nil
}

// ReadText reads the whole file in filePath, after expanding "~".
func ReadText(filePath string) (string, error) {
	expanded, err := ExpandHome(filePath)
	if err != nil {
		return "", err
	}
	contents, err := os.ReadFile(expanded)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", errors.Errorf("file %q not found", filePath)
		}
		return "", errors.Wrapf(err, "failed to read %q", filePath)
	}
	return string(contents), nil
}

// ReadLines returns the non-empty lines of the file in filePath, with spaces trimmed.
// Lines starting with commentPrefix are skipped, unless commentPrefix is empty.
func ReadLines(filePath, commentPrefix string) ([]string, error) {
	text, err := ReadText(filePath)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || (commentPrefix != "" && strings.HasPrefix(line, commentPrefix)) {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}
