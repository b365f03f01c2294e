// Package archive streams files and directory trees as zip archives.
package archive

import (
	"archive/zip"
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// countingWriter tallies bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// WriteZip writes a zip of srcAbs to w. A directory is packed with entries
// relative to it; a file becomes a single entry named after it. Symlinks
// inside a directory are skipped rather than followed. The returned count is
// the number of bytes written to w.
func WriteZip(ctx context.Context, w io.Writer, srcAbs string) (int64, error) {
	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)

	st, err := os.Stat(srcAbs)
	if err != nil {
		return 0, err
	}
	if st.IsDir() {
		err = addDir(ctx, zw, srcAbs)
	} else {
		err = addFile(zw, srcAbs, SanitizeEntryName(filepath.Base(srcAbs)), st)
	}
	if err != nil {
		_ = zw.Close()
		return cw.n, err
	}
	if err := zw.Close(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

func addDir(ctx context.Context, zw *zip.Writer, baseAbs string) error {
	return filepath.WalkDir(baseAbs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable subtree: skip it, keep the rest
			if d != nil && d.IsDir() && p != baseAbs {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p == baseAbs || d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		rel, err := filepath.Rel(baseAbs, p)
		if err != nil {
			return nil
		}
		name := SanitizeEntryName(filepath.ToSlash(rel))
		if name == "" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if d.IsDir() {
			_, err := zw.CreateHeader(&zip.FileHeader{
				Name:     name + "/",
				Modified: info.ModTime(),
			})
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return addFile(zw, p, name, info)
	})
}

func addFile(zw *zip.Writer, abs, name string, info fs.FileInfo) error {
	f, err := os.Open(abs)
	if err != nil {
		return err
	}
	defer f.Close()
	h := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: info.ModTime(),
	}
	h.SetMode(info.Mode())
	wr, err := zw.CreateHeader(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(wr, f)
	return err
}

// SanitizeEntryName keeps zip entry names relative and free of traversal.
func SanitizeEntryName(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.ReplaceAll(p, "\x00", "")
	p = path.Clean("/" + p)
	p = strings.Trim(p, "/")
	if p == "." || p == "" {
		return ""
	}
	if len(p) > 240 {
		p = p[:240]
	}
	return p
}

// BaseName turns a file or directory name into a safe download name
// without the .zip suffix.
func BaseName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".zip")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "\\", "-")
	s = strings.Trim(s, ". ")
	if s == "" {
		return "download"
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}
