package executor

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
)

// chmoder and chtimeser are the optional parts of billy.Change the executor
// needs. Filesystems lacking them still sync content, but without mode and
// timestamp preservation.
type chmoder interface {
	Chmod(name string, mode os.FileMode) error
}

type chtimeser interface {
	Chtimes(name string, atime, mtime time.Time) error
}

// osFS is an osfs filesystem rooted at a directory that also supports
// changing modes and timestamps.
type osFS struct {
	billy.Filesystem
	root string
}

// NewOSFilesystem returns a billy filesystem rooted at root on the local disk.
func NewOSFilesystem(root string) billy.Filesystem {
	return &osFS{
		Filesystem: osfs.New(root),
		root:       root,
	}
}

func (f *osFS) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(filepath.Join(f.root, name), mode)
}

func (f *osFS) Chtimes(name string, atime, mtime time.Time) error {
	return os.Chtimes(filepath.Join(f.root, name), atime, mtime)
}
