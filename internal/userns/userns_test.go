package userns

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	derrors "ducker/pkg/errors"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMapper(t *testing.T) *Mapper {
	t.Helper()
	log, _ := test.NewNullLogger()
	m := NewMapper(log)
	m.procRoot = t.TempDir()
	return m
}

func TestFormatMappings(t *testing.T) {
	assert.Equal(t, "0 0 65536\n", FormatMappings(IdentityMapping))
	assert.Equal(t, "0 1000 1\n1 100000 65536\n", FormatMappings([]specs.LinuxIDMapping{
		{ContainerID: 0, HostID: 1000, Size: 1},
		{ContainerID: 1, HostID: 100000, Size: 65536},
	}))
}

func TestSetUpWritesBothMaps(t *testing.T) {
	m := newTestMapper(t)
	dir := filepath.Join(m.procRoot, "321")
	require.NoError(t, os.Mkdir(dir, 0755))
	// The kernel provides both files; the mapper never creates them.
	for _, name := range []string{"uid_map", "gid_map"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}

	require.NoError(t, m.SetUp(321))

	for _, name := range []string{"uid_map", "gid_map"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, "0 0 65536\n", string(data), name)
	}
}

func TestSetUpMissingProcess(t *testing.T) {
	m := newTestMapper(t)

	err := m.SetUp(999)
	require.Error(t, err)
	assert.True(t, errors.Is(err, derrors.ErrIDMap))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSetUpStopsAfterUIDFailure(t *testing.T) {
	m := newTestMapper(t)
	dir := filepath.Join(m.procRoot, "5")
	require.NoError(t, os.Mkdir(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gid_map"), nil, 0644))

	require.Error(t, m.SetUp(5))

	data, err := os.ReadFile(filepath.Join(dir, "gid_map"))
	require.NoError(t, err)
	assert.Empty(t, data)
}
