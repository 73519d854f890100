// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	filePath := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(filePath, []byte(content), 0644))
	return filePath
}

func TestLoadList(t *testing.T) {
	dir := t.TempDir()
	filePath := writeFile(t, dir, "voc.names", "person\n\n  car  \nbicycle\n")
	entries, err := LoadList(filePath)
	require.NoError(t, err)
	assert.Equal(t, []string{"person", "car", "bicycle"}, entries)
}

func TestLoadListEmpty(t *testing.T) {
	dir := t.TempDir()
	filePath := writeFile(t, dir, "empty.txt", "\n  \n")
	_, err := LoadList(filePath)
	assert.Error(t, err)
}

func TestLoadListMissing(t *testing.T) {
	_, err := LoadList(filepath.Join(t.TempDir(), "nope.txt"))
	assert.Error(t, err)
}
