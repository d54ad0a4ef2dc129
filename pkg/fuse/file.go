package fuse

import (
	"context"
	"io"
	"sync"
	"syscall"

	"snowbird/pkg/types"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

// MediaFile is a read-only file. Its content is downloaded on open, which
// may fetch it from peers first.
type MediaFile struct {
	fs.Inode
	api     API
	groupID string
	repoID  string
	entry   types.FileEntry
	logger  *zap.Logger

	mu   sync.Mutex
	size int64
}

var (
	_ fs.NodeGetattrer = (*MediaFile)(nil)
	_ fs.NodeOpener    = (*MediaFile)(nil)
	_ fs.NodeReader    = (*MediaFile)(nil)
)

func (f *MediaFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	f.mu.Lock()
	size := f.size
	f.mu.Unlock()
	if h, ok := fh.(*fileHandle); ok {
		size = int64(len(h.data))
	}
	setFileAttr(&out.Attr, size)
	out.SetTimeout(entryTimeout)
	return 0
}

func (f *MediaFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}

	ctx, cancel := context.WithTimeout(ctx, requestLimit)
	defer cancel()

	h, err := f.load(ctx)
	if err != nil {
		f.logger.Error("Failed to open file",
			zap.String("repo", f.repoID),
			zap.String("file", f.entry.Name),
			zap.Error(err))
		return nil, 0, syscall.EIO
	}

	f.mu.Lock()
	f.size = int64(len(h.data))
	f.mu.Unlock()
	return h, fuse.FOPEN_DIRECT_IO, 0
}

func (f *MediaFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h, ok := fh.(*fileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	return h.read(dest, off), 0
}

func (f *MediaFile) load(ctx context.Context) (*fileHandle, error) {
	rc, _, err := f.api.Download(ctx, f.groupID, f.repoID, f.entry.Name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return &fileHandle{data: data}, nil
}

// fileHandle holds the content downloaded for one open.
type fileHandle struct {
	data []byte
}

func (h *fileHandle) read(dest []byte, off int64) fuse.ReadResult {
	if off >= int64(len(h.data)) {
		return fuse.ReadResultData(nil)
	}
	end := off + int64(len(dest))
	if end > int64(len(h.data)) {
		end = int64(len(h.data))
	}
	return fuse.ReadResultData(h.data[off:end])
}
