package fuse

import (
	"context"
	"os"
	"syscall"

	"snowbird/pkg/types"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

// RepoDir lists the files of one repo.
type RepoDir struct {
	fs.Inode
	api     API
	groupID string
	repo    types.RepoInfo
	logger  *zap.Logger
	cache   *Cache
}

var (
	_ fs.NodeGetattrer = (*RepoDir)(nil)
	_ fs.NodeReaddirer = (*RepoDir)(nil)
	_ fs.NodeLookuper  = (*RepoDir)(nil)
)

func (d *RepoDir) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	setDirAttr(&out.Attr)
	out.SetTimeout(entryTimeout)
	return 0
}

func (d *RepoDir) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	files, err := d.files(ctx)
	if err != nil {
		d.logger.Error("Failed to list files", zap.String("repo", d.repo.ID), zap.Error(err))
		return nil, syscall.EIO
	}

	entries := make([]fuse.DirEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, fuse.DirEntry{Mode: syscall.S_IFREG, Name: f.Name})
	}
	return fs.NewListDirStream(entries), 0
}

func (d *RepoDir) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	files, err := d.files(ctx)
	if err != nil {
		return nil, syscall.EIO
	}
	for _, f := range files {
		if f.Name != name {
			continue
		}
		child := &MediaFile{
			api:     d.api,
			groupID: d.groupID,
			repoID:  d.repo.ID,
			entry:   f,
			logger:  d.logger,
		}
		setFileAttr(&out.Attr, 0)
		out.SetEntryTimeout(entryTimeout)
		out.SetAttrTimeout(entryTimeout)
		return d.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFREG}), 0
	}
	return nil, syscall.ENOENT
}

func (d *RepoDir) files(ctx context.Context) ([]types.FileEntry, error) {
	key := d.repo.ID
	if cached, ok := d.cache.fileList(key); ok {
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, requestLimit)
	defer cancel()
	files, err := d.api.Files(ctx, d.groupID, d.repo.ID)
	if err != nil {
		return nil, err
	}
	d.cache.putFiles(key, files)
	return files, nil
}

func setFileAttr(attr *fuse.Attr, size int64) {
	attr.Mode = syscall.S_IFREG | 0444
	attr.Nlink = 1
	attr.Size = uint64(size)
	attr.Uid = uint32(os.Getuid())
	attr.Gid = uint32(os.Getgid())
}
