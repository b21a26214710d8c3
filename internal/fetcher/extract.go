// Copyright 2025 The kiln Authors
// SPDX-License-Identifier: MIT

package fetcher

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	slashpath "path"
	"path/filepath"
	"strings"

	"github.com/kiln-build/kiln/internal/osutil"
)

// extractArchive unpacks the archive in src into a new directory at dst,
// detecting the format from the file's magic bytes.
// src may be positioned anywhere; extractArchive rewinds it.
func extractArchive(dst string, src *os.File) error {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return err
	}
	// The tar magic lives at offset 257, so sniff a whole block.
	header := make([]byte, 512)
	n, err := io.ReadFull(src, header)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return err
	}
	header = header[:n]
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return err
	}

	switch {
	case hasGzipMagic(header):
		zr, err := gzip.NewReader(src)
		if err != nil {
			return err
		}
		return extractTar(dst, zr)
	case hasBzip2Magic(header):
		return extractTar(dst, bzip2.NewReader(src))
	case hasZipMagic(header):
		size, err := src.Seek(0, io.SeekEnd)
		if err != nil {
			return err
		}
		return extractZip(dst, src, size)
	case hasTarMagic(header):
		return extractTar(dst, src)
	case hasXZMagic(header):
		return errors.New("xz not supported")
	default:
		return errors.New("unknown format (must be .tar, .tar.gz, .tar.bz2, or .zip)")
	}
}

// hoistSingleRoot replaces dst with its sole child directory, if any.
// Source archives conventionally wrap their content
// in a single versioned directory;
// hoisting lets build scripts address the tree without naming it.
func hoistSingleRoot(dst string) error {
	entries, err := os.ReadDir(dst)
	if err != nil {
		return err
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}
	tmp := dst + ".hoist"
	if err := os.Rename(filepath.Join(dst, entries[0].Name()), tmp); err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

// extractTar extracts the tar archive from the given stream
// into a new directory at dst.
func extractTar(dst string, src io.Reader) error {
	if err := os.Mkdir(dst, 0o777); err != nil {
		return err
	}
	root, err := os.OpenRoot(dst)
	if err != nil {
		return err
	}
	defer root.Close()

	r := tar.NewReader(src)
	for {
		hdr, err := nextSupportedTarHeader(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		subdst, err := filepath.Localize(slashpath.Clean(hdr.Name))
		if err != nil {
			return fmt.Errorf("unpack %s: %v", hdr.Name, err)
		}
		if subdst == "." {
			continue
		}
		if dir := filepath.Dir(subdst); dir != "." {
			if err := root.MkdirAll(dir, 0o777); err != nil {
				return err
			}
		}
		if err := extractTarFile(root, subdst, r, hdr); err != nil {
			return err
		}
	}
}

func nextSupportedTarHeader(r *tar.Reader) (*tar.Header, error) {
	for {
		hdr, err := r.Next()
		if err != nil {
			return nil, err
		}
		switch hdr.Typeflag {
		case tar.TypeXGlobalHeader:
			// Ignore.
		case tar.TypeReg, tar.TypeSymlink, tar.TypeDir:
			return hdr, nil
		default:
			return hdr, fmt.Errorf("unsupported tar entry type %q", hdr.Typeflag)
		}
	}
}

func extractTarFile(root *os.Root, dst string, r *tar.Reader, hdr *tar.Header) error {
	mode := hdr.FileInfo().Mode()
	var open func() (io.ReadCloser, error)
	if mode.Type() == fs.ModeSymlink {
		open = func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(hdr.Linkname)), nil
		}
	} else {
		open = func() (io.ReadCloser, error) {
			return io.NopCloser(r), nil
		}
	}
	return extractFile(root, dst, mode, open)
}

// extractZip extracts the zip archive from the given stream
// into a new directory at dst.
func extractZip(dst string, src io.ReaderAt, srcSize int64) error {
	r, err := zip.NewReader(src, srcSize)
	if err != nil {
		return err
	}
	if err := os.Mkdir(dst, 0o777); err != nil {
		return err
	}
	root, err := os.OpenRoot(dst)
	if err != nil {
		return err
	}
	defer root.Close()

	return fs.WalkDir(r, ".", func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == "." {
			return nil
		}
		subdst, err := filepath.Localize(path)
		if err != nil {
			return fmt.Errorf("unpack %s: %v", path, err)
		}
		mode := entry.Type()
		if mode.IsRegular() {
			// Regular files need to check for permission bits.
			info, err := entry.Info()
			if err != nil {
				return err
			}
			mode = info.Mode()
		}
		return extractFile(root, subdst, mode, func() (io.ReadCloser, error) {
			return r.Open(path)
		})
	})
}

func extractFile(root *os.Root, dst string, mode fs.FileMode, open func() (io.ReadCloser, error)) error {
	switch mode.Type() {
	case 0:
		perm := os.FileMode(0o666)
		if mode&0o111 != 0 {
			perm |= 0o111
		}
		r, err := open()
		if err != nil {
			return err
		}
		defer r.Close()
		w, err := root.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL|osutil.O_NOFOLLOW, perm)
		if err != nil {
			return err
		}
		_, err1 := io.Copy(w, r)
		err2 := w.Close()
		if err1 != nil {
			return fmt.Errorf("write %s: %v", dst, err1)
		}
		if err2 != nil {
			return fmt.Errorf("write %s: %v", dst, err2)
		}
	case fs.ModeDir:
		// Archives may list a directory after its contents.
		if err := root.Mkdir(dst, 0o777); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	case fs.ModeSymlink:
		r, err := open()
		if err != nil {
			return err
		}
		sb := new(strings.Builder)
		_, err = io.Copy(sb, r)
		r.Close()
		if err != nil {
			return fmt.Errorf("read %s: %v", dst, err)
		}
		return root.Symlink(sb.String(), dst)
	default:
		return fmt.Errorf("unsupported archive member with mode %v", mode)
	}

	return nil
}

func hasBzip2Magic(header []byte) bool {
	return len(header) >= 3 && header[0] == 'B' && header[1] == 'Z' && header[2] == 'h'
}

func hasZipMagic(header []byte) bool {
	return len(header) >= 4 &&
		header[0] == 'P' &&
		header[1] == 'K' &&
		(header[2] == 0x03 && header[3] == 0x04 ||
			header[2] == 0x05 && header[3] == 0x06 ||
			header[2] == 0x07 && header[3] == 0x08)
}

func hasGzipMagic(header []byte) bool {
	return len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b
}

func hasXZMagic(header []byte) bool {
	return len(header) >= 6 &&
		header[0] == 0xfd &&
		header[1] == '7' &&
		header[2] == 'z' &&
		header[3] == 'X' &&
		header[4] == 'Z' &&
		header[5] == 0
}

// hasTarMagic reports whether header starts a POSIX or GNU tar stream.
// The magic sits at offset 257 within the first block.
func hasTarMagic(header []byte) bool {
	const offset = 257
	if len(header) < offset+8 {
		return false
	}
	magic := header[offset : offset+8]
	return string(magic[:5]) == "ustar" &&
		(magic[5] == 0 && magic[6] == '0' && magic[7] == '0' ||
			magic[5] == ' ' && magic[6] == ' ' && magic[7] == 0)
}
