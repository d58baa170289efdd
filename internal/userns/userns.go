// Package userns writes the uid/gid maps of a child's user namespace.
package userns

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	derrors "ducker/pkg/errors"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"
)

// IdentityMapping maps the host's low 65536 ids onto the same range.
var IdentityMapping = []specs.LinuxIDMapping{
	{ContainerID: 0, HostID: 0, Size: 65536},
}

// Mapper writes /proc/<pid>/{uid,gid}_map.
type Mapper struct {
	procRoot string
	uids     []specs.LinuxIDMapping
	gids     []specs.LinuxIDMapping
	log      logrus.FieldLogger
}

// NewMapper returns a Mapper that installs IdentityMapping for both uids and gids.
func NewMapper(log logrus.FieldLogger) *Mapper {
	return &Mapper{
		procRoot: "/proc",
		uids:     IdentityMapping,
		gids:     IdentityMapping,
		log:      log,
	}
}

// SetUp writes the uid map, then the gid map, of pid. Each map file accepts
// exactly one write.
func (m *Mapper) SetUp(pid int) error {
	dir := filepath.Join(m.procRoot, strconv.Itoa(pid))

	for _, f := range []struct {
		name     string
		mappings []specs.LinuxIDMapping
	}{
		{"uid_map", m.uids},
		{"gid_map", m.gids},
	} {
		path := filepath.Join(dir, f.name)
		table := FormatMappings(f.mappings)
		m.log.Debugf("+ echo %q > %s", strings.TrimSpace(table), path)

		if err := writeMap(path, table); err != nil {
			return derrors.New(derrors.KindIDMap, "write "+path, err)
		}
	}
	return nil
}

// FormatMappings renders mappings in the kernel's "inside outside count" form.
func FormatMappings(mappings []specs.LinuxIDMapping) string {
	var b strings.Builder
	for _, m := range mappings {
		fmt.Fprintf(&b, "%d %d %d\n", m.ContainerID, m.HostID, m.Size)
	}
	return b.String()
}

func writeMap(path, table string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(table); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
