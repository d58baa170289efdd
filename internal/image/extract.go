// Package image unpacks root filesystem archives into a staging directory.
//
// The archive format is inferred from the file name suffix only:
//
//	.tar.gz, .tgz   gzip
//	.tar.bz, .tbz   bzip2
//	.tar.xz, .txz   xz
//
// An unrecognized suffix fails before the archive is opened.
package image

import (
	"archive/tar"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	derrors "ducker/pkg/errors"

	"github.com/opencontainers/go-digest"
	"github.com/ulikunitz/xz"
)

// Compression identifies the decompressor applied before tar.
type Compression string

const (
	Gzip  Compression = "gzip"
	Bzip2 Compression = "bzip2"
	Xz    Compression = "xz"
)

var suffixes = []struct {
	suffix string
	kind   Compression
}{
	{".tar.gz", Gzip},
	{".tgz", Gzip},
	{".tar.bz", Bzip2},
	{".tbz", Bzip2},
	{".tar.xz", Xz},
	{".txz", Xz},
}

// DetectCompression maps the archive's file name suffix to a Compression.
func DetectCompression(path string) (Compression, error) {
	name := strings.ToLower(filepath.Base(path))
	for _, s := range suffixes {
		if strings.HasSuffix(name, s.suffix) {
			return s.kind, nil
		}
	}
	return "", fmt.Errorf("%w: %s", derrors.ErrUnsupportedImage, filepath.Base(path))
}

// Extractor unpacks an archive into an existing directory.
type Extractor interface {
	Extract(archivePath, dest string) error
}

// TarExtractor extracts compressed tar archives.
type TarExtractor struct {
	// Expected, when set, is verified against the archive bytes before
	// anything is written to dest.
	Expected digest.Digest
}

var _ Extractor = (*TarExtractor)(nil)

// Extract verifies (optionally) and unpacks archivePath into dest.
func (x *TarExtractor) Extract(archivePath, dest string) error {
	kind, err := DetectCompression(archivePath)
	if err != nil {
		return err
	}

	if x.Expected != "" {
		if err := verifyDigest(archivePath, x.Expected); err != nil {
			return err
		}
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	r, err := decompress(f, kind)
	if err != nil {
		return fmt.Errorf("open %s stream: %w", kind, err)
	}

	if err := extractTar(tar.NewReader(r), dest); err != nil {
		return fmt.Errorf("extract %s: %w", filepath.Base(archivePath), err)
	}
	return nil
}

func decompress(r io.Reader, kind Compression) (io.Reader, error) {
	switch kind {
	case Gzip:
		return gzip.NewReader(r)
	case Bzip2:
		return bzip2.NewReader(r), nil
	case Xz:
		return xz.NewReader(r)
	}
	return nil, fmt.Errorf("%w: %s", derrors.ErrUnsupportedImage, kind)
}

func verifyDigest(path string, expected digest.Digest) error {
	if err := expected.Validate(); err != nil {
		return fmt.Errorf("image digest %q: %w", expected, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	actual, err := expected.Algorithm().FromReader(f)
	if err != nil {
		return fmt.Errorf("digest image: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("image digest mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}

// extractTar writes regular files, directories, symlinks and hard links.
// Device nodes and fifos are skipped; the container gets /dev from the host.
func extractTar(tr *tar.Reader, destDir string) error {
	destDir = filepath.Clean(destDir)

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		target, err := within(destDir, header.Name)
		if err != nil {
			return err
		}
		if target == destDir {
			continue
		}
		if err := noSymlinkParents(destDir, target); err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("create parent directory for %s: %w", header.Name, err)
		}

		mode := os.FileMode(header.Mode).Perm()

		switch header.Typeflag {
		case tar.TypeDir:
			// A directory entry replaces a symlink of the same name rather
			// than following it.
			if fi, err := os.Lstat(target); err == nil && fi.Mode()&os.ModeSymlink != 0 {
				if err := os.Remove(target); err != nil {
					return fmt.Errorf("replace symlink %s: %w", header.Name, err)
				}
			}
			if err := os.MkdirAll(target, mode); err != nil {
				return fmt.Errorf("create directory %s: %w", header.Name, err)
			}
			// MkdirAll leaves an existing directory's mode untouched.
			if err := os.Chmod(target, mode); err != nil {
				return fmt.Errorf("chmod directory %s: %w", header.Name, err)
			}

		case tar.TypeReg, tar.TypeRegA:
			if err := extractRegularFile(tr, target, mode); err != nil {
				return fmt.Errorf("extract file %s: %w", header.Name, err)
			}

		case tar.TypeSymlink:
			_ = os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("create symlink %s: %w", header.Name, err)
			}

		case tar.TypeLink:
			linkTarget, err := within(destDir, header.Linkname)
			if err != nil {
				return err
			}
			if err := noSymlinkParents(destDir, linkTarget); err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Link(linkTarget, target); err != nil {
				return fmt.Errorf("create hard link %s: %w", header.Name, err)
			}

		default:
			continue
		}
	}

	return nil
}

// within resolves name under destDir and rejects entries that escape it.
func within(destDir, name string) (string, error) {
	clean := filepath.Clean("/" + name)
	target := filepath.Join(destDir, clean)

	if filepath.IsAbs(name) || strings.HasPrefix(filepath.Clean(name), "..") {
		return "", fmt.Errorf("invalid path in tar: %s", name)
	}
	if target != destDir && !strings.HasPrefix(target, destDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal detected: %s", name)
	}
	return target, nil
}

// noSymlinkParents rejects target when a directory between destDir and
// target is a symlink. Earlier entries may have planted one pointing
// anywhere on the host; writing through it would escape destDir.
func noSymlinkParents(destDir, target string) error {
	rel, err := filepath.Rel(destDir, filepath.Dir(target))
	if err != nil {
		return fmt.Errorf("path traversal detected: %s", target)
	}
	if rel == "." {
		return nil
	}

	current := destDir
	for _, part := range strings.Split(rel, string(os.PathSeparator)) {
		current = filepath.Join(current, part)
		fi, err := os.Lstat(current)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stat %s: %w", current, err)
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("path traversal detected: %s passes through symlink %s",
				strings.TrimPrefix(target, destDir+string(os.PathSeparator)),
				strings.TrimPrefix(current, destDir+string(os.PathSeparator)))
		}
		if !fi.IsDir() {
			return fmt.Errorf("%s is not a directory", current)
		}
	}
	return nil
}

func extractRegularFile(r io.Reader, target string, mode os.FileMode) error {
	_ = os.Remove(target)

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	_, err = io.Copy(f, r)
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
