package workdir

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateLayout(t *testing.T) {
	parent := t.TempDir()

	d, err := Allocate(parent, "ducker-tmp-XXXXXX")
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(d.Path()))
	assert.Equal(t, parent, filepath.Dir(d.Path()))
	assert.True(t, strings.HasPrefix(filepath.Base(d.Path()), "ducker-tmp-"))

	info, err := os.Stat(d.Path())
	require.NoError(t, err)
	assert.Equal(t, Mode, info.Mode().Perm())

	entries, err := os.ReadDir(d.Path())
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		assert.True(t, e.IsDir())
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"image", "upper", "work", "root"}, names)

	assert.Equal(t, filepath.Join(d.Path(), "image"), d.Image())
	assert.Equal(t, filepath.Join(d.Path(), "root"), d.Root())
	assert.Equal(t, filepath.Join(d.Path(), "init.json"), d.InitConfig())
}

func TestAllocateUnique(t *testing.T) {
	parent := t.TempDir()

	a, err := Allocate(parent, "ducker-tmp-XXXXXX")
	require.NoError(t, err)
	b, err := Allocate(parent, "ducker-tmp-XXXXXX")
	require.NoError(t, err)

	assert.NotEqual(t, a.Path(), b.Path())
}

func TestAllocateTemplateWithoutSuffix(t *testing.T) {
	d, err := Allocate(t.TempDir(), "plain")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(d.Path()), "plain-"))
}

func TestAllocateMissingParent(t *testing.T) {
	_, err := Allocate(filepath.Join(t.TempDir(), "nope"), "ducker-tmp-XXXXXX")
	assert.Error(t, err)
}

func TestRemoveIsRecursiveAndIdempotent(t *testing.T) {
	d, err := Allocate(t.TempDir(), "ducker-tmp-XXXXXX")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(d.Image(), "file"), []byte("x"), 0644))

	require.NoError(t, d.Remove())
	_, err = os.Stat(d.Path())
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, d.Remove())
}
