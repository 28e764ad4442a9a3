// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with file paths given by the user.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to check whether %q exists", path)
}

// ReplaceTilde by the user's home directory ("~/...") or by the home directory of the named user ("~name/...").
// Paths not starting with "~" are returned unchanged.
func ReplaceTilde(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	userName, rest, _ := strings.Cut(path[1:], string(filepath.Separator))
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", path)
	}
	return filepath.Join(usr.HomeDir, rest), nil
}

// ExistingFiles parses a comma-separated list of file paths, replacing "~" (see ReplaceTilde), and checks
// that each file exists. Empty entries are ignored.
func ExistingFiles(list string) ([]string, error) {
	var paths []string
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		path, err := ReplaceTilde(entry)
		if err != nil {
			return nil, err
		}
		exists, err := FileExists(path)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, errors.Errorf("file %q not found", path)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
