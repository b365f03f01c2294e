package httpserver

import (
	"context"
	"os"
	"path"

	"golang.org/x/net/webdav"

	"fastpan/internal/fsutil"
)

// davFS puts every WebDAV name through the resolver before handing it to
// webdav.Dir, so links out of the root and the state dir stay unreachable.
type davFS struct {
	resolver *fsutil.Resolver
	dir      webdav.Dir
}

func (d davFS) check(name string) error {
	if _, err := d.resolver.Resolve(name); err != nil {
		return os.ErrPermission
	}
	return nil
}

func (d davFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	if err := d.check(name); err != nil {
		return err
	}
	return d.dir.Mkdir(ctx, name, perm)
}

func (d davFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	if err := d.check(name); err != nil {
		return nil, err
	}
	f, err := d.dir.OpenFile(ctx, name, flag, perm)
	if err != nil {
		return nil, err
	}
	return davFile{File: f, fs: d, name: name}, nil
}

func (d davFS) RemoveAll(ctx context.Context, name string) error {
	abs, err := d.resolver.Resolve(name)
	if err != nil || abs == d.resolver.Root() {
		return os.ErrPermission
	}
	return d.dir.RemoveAll(ctx, name)
}

func (d davFS) Rename(ctx context.Context, oldName, newName string) error {
	if err := d.check(oldName); err != nil {
		return err
	}
	if err := d.check(newName); err != nil {
		return err
	}
	return d.dir.Rename(ctx, oldName, newName)
}

func (d davFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	if err := d.check(name); err != nil {
		return nil, err
	}
	return d.dir.Stat(ctx, name)
}

// davFile drops directory entries the resolver refuses, so PROPFIND does not
// even list them.
type davFile struct {
	webdav.File
	fs   davFS
	name string
}

func (f davFile) Readdir(count int) ([]os.FileInfo, error) {
	infos, err := f.File.Readdir(count)
	out := infos[:0]
	for _, fi := range infos {
		if f.fs.check(path.Join(f.name, fi.Name())) == nil {
			out = append(out, fi)
		}
	}
	return out, err
}
