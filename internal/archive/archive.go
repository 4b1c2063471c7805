// Package archive packages a job directory into a .tar.zst results archive.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Extension is the suffix of every results archive.
const Extension = ".tar.zst"

// Info describes a written archive.
type Info struct {
	Path  string
	Files int
	Bytes int64 // uncompressed payload size
	Size  int64 // archive size on disk
}

// Create writes every regular file under srcDir into a zstd-compressed tar at
// dest. Entry names are relative to srcDir, so the archive has no absolute or
// parent-relative paths. Symlinks and special files are skipped.
func Create(srcDir, dest string) (Info, error) {
	info := Info{Path: dest}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return info, fmt.Errorf("failed to create archive: %w", err)
	}

	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return info, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if !fi.IsDir() && !fi.Mode().IsRegular() {
			return nil
		}

		hdr, err := tar.FileInfoHeader(fi, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if fi.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}

		n, err := copyFile(tw, path)
		if err != nil {
			return err
		}
		info.Files++
		info.Bytes += n
		return nil
	})

	// Close in order, keeping the first error.
	closeErr := tw.Close()
	if err := zw.Close(); closeErr == nil {
		closeErr = err
	}
	if err := f.Close(); closeErr == nil {
		closeErr = err
	}

	if walkErr != nil {
		os.Remove(dest)
		return info, fmt.Errorf("archiving %s: %w", srcDir, walkErr)
	}
	if closeErr != nil {
		os.Remove(dest)
		return info, fmt.Errorf("finalising archive: %w", closeErr)
	}

	if st, err := os.Stat(dest); err == nil {
		info.Size = st.Size()
	}
	return info, nil
}

// List returns the entry names of a .tar.zst archive, in archive order.
func List(src string) ([]string, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	var names []string
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive: %w", err)
		}
		names = append(names, strings.TrimSuffix(hdr.Name, "/"))
	}
	return names, nil
}

func copyFile(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}
