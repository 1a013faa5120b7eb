package handlers

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/emersion/go-mbox"
	"github.com/migadu/mailbot/config"
	"github.com/migadu/mailbot/server/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countMbox(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	r := mbox.NewReader(f)
	n := 0
	for {
		mr, err := r.NextMessage()
		if errors.Is(err, io.EOF) {
			return n
		}
		require.NoError(t, err)
		_, err = io.ReadAll(mr)
		require.NoError(t, err)
		n++
	}
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

func TestArchiveMbox(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "archive.mbox")
	a := NewArchiver(config.ArchiveConfig{Format: FormatMbox, Path: path})

	first := newTestMessage(t, "one", "first body")
	stored, err := a.Archive(first, "")
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = a.Archive(first, "")
	require.NoError(t, err)
	assert.False(t, stored, "duplicate must be skipped")

	stored, err = a.Archive(newTestMessage(t, "two", "second body"), "")
	require.NoError(t, err)
	assert.True(t, stored)

	assert.Equal(t, 2, countMbox(t, path))
}

func TestArchiveMaildirFolders(t *testing.T) {
	root := t.TempDir()
	a := NewArchiver(config.ArchiveConfig{Format: FormatMaildir, Path: root})
	h := a.Handler()

	h(ruleCtx("archive"), newTestMessage(t, "inbox", "a"), router.Match{})
	h(ruleCtx("archive"), newTestMessage(t, "billing", "b"), router.Match{router.KeyMailbox: "Billing"})
	h(ruleCtx("archive"), newTestMessage(t, "nested", "c"), router.Match{router.KeyMailbox: "Lists/Go"})

	assert.Equal(t, 1, countFiles(t, filepath.Join(root, "new")))
	assert.Equal(t, 1, countFiles(t, filepath.Join(root, ".Billing", "new")))
	assert.Equal(t, 1, countFiles(t, filepath.Join(root, ".Lists.Go", "new")))
	assert.DirExists(t, filepath.Join(root, ".Billing", "cur"))
}

func TestArchiveUnknownFormat(t *testing.T) {
	a := NewArchiver(config.ArchiveConfig{Format: "pst", Path: t.TempDir()})
	_, err := a.Archive(newTestMessage(t, "s", "b"), "")
	assert.Error(t, err)
}
