package fuse

import (
	"fmt"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"
)

// Mount serves root at mountpoint until the returned server is unmounted.
func Mount(mountpoint string, root *GroupFS, debug bool) (*fuse.Server, error) {
	timeout := entryTimeout
	negative := 0 * time.Second

	server, err := fs.Mount(mountpoint, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName:  "snowbird",
			Name:    "snowbird",
			Options: []string{"ro"},
			Debug:   debug,
		},
		EntryTimeout:    &timeout,
		AttrTimeout:     &timeout,
		NegativeTimeout: &negative,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mount %s: %w", mountpoint, err)
	}

	root.logger.Info("Mounted group", zap.String("mountpoint", mountpoint), zap.String("group", root.groupID))
	return server, nil
}
