// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets loads YOLO image lists and label files, and provides
// train.Dataset implementations that augment, batch and collate them into
// dense tensors.
package datasets

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// LoadList reads a newline-delimited list of strings: class names, or image
// paths for the train/valid/detection manifests. Empty lines and surrounding
// whitespace are dropped.
func LoadList(filePath string) ([]string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open list file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	var entries []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entries = append(entries, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed reading list file %q", filePath)
	}
	if len(entries) == 0 {
		return nil, errors.Errorf("list file %q is empty", filePath)
	}
	return entries, nil
}
