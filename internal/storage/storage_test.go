package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/halcyonmed/dicom-archive/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesystemRoundTrip(t *testing.T) {
	area, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	id := uuid.NewString()
	content := []byte("not really a DICOM file")
	require.NoError(t, area.Create(id, content))

	got, err := area.Read(id)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	require.NoError(t, area.Remove(id))
	_, err = area.Read(id)
	assert.ErrorIs(t, err, errs.ErrInexistentFile)
}

func TestFilesystemShardsByUUIDPrefix(t *testing.T) {
	root := t.TempDir()
	area, err := NewFilesystem(root)
	require.NoError(t, err)

	id := "abcdef00-0000-0000-0000-000000000000"
	require.NoError(t, area.Create(id, []byte("x")))

	_, err = os.Stat(filepath.Join(root, "ab", "cd", id))
	assert.NoError(t, err)
}

func TestFilesystemRejectsShortUUID(t *testing.T) {
	area, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	assert.ErrorIs(t, area.Create("ab", []byte("x")), errs.ErrParameterOutOfRange)
	_, err = area.Read("ab")
	assert.ErrorIs(t, err, errs.ErrParameterOutOfRange)
}

func TestFilesystemRemoveMissingIsNoop(t *testing.T) {
	area, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)

	assert.NoError(t, area.Remove(uuid.NewString()))
}
