// Copyright 2025 ScanGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vfs

import (
	"context"
	"os"
	"path/filepath"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// rootData is shared by every node of one mounted tree.
type rootData struct {
	source string
	gate   *Gate
}

// gateNode mirrors one path of the source tree. Directory and metadata
// operations pass straight through to the backing filesystem; content
// access goes through the gate.
type gateNode struct {
	fs.Inode
	root *rootData
}

// NewRoot creates the root node of a proxied tree over source.
func NewRoot(source string, gate *Gate) fs.InodeEmbedder {
	return &gateNode{root: &rootData{source: source, gate: gate}}
}

var _ fs.NodeLookuper = (*gateNode)(nil)
var _ fs.NodeGetattrer = (*gateNode)(nil)
var _ fs.NodeSetattrer = (*gateNode)(nil)
var _ fs.NodeReaddirer = (*gateNode)(nil)
var _ fs.NodeOpener = (*gateNode)(nil)
var _ fs.NodeCreater = (*gateNode)(nil)
var _ fs.NodeMkdirer = (*gateNode)(nil)
var _ fs.NodeRmdirer = (*gateNode)(nil)
var _ fs.NodeUnlinker = (*gateNode)(nil)
var _ fs.NodeRenamer = (*gateNode)(nil)

// relPath is the node's path relative to the tree root.
func (n *gateNode) relPath() string {
	return n.Path(n.Root())
}

// absPath is the node's path on the backing filesystem.
func (n *gateNode) absPath() string {
	return filepath.Join(n.root.source, n.relPath())
}

func (n *gateNode) stableAttr(st *syscall.Stat_t) fs.StableAttr {
	return fs.StableAttr{
		Mode: uint32(st.Mode),
		Ino:  st.Ino,
	}
}

func (n *gateNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := filepath.Join(n.absPath(), name)
	st := syscall.Stat_t{}
	if err := syscall.Lstat(p, &st); err != nil {
		return nil, fs.ToErrno(err)
	}
	out.Attr.FromStat(&st)
	child := n.NewInode(ctx, &gateNode{root: n.root}, n.stableAttr(&st))
	return child, 0
}

func (n *gateNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if fga, ok := f.(fs.FileGetattrer); ok {
		return fga.Getattr(ctx, out)
	}
	st := syscall.Stat_t{}
	if err := syscall.Lstat(n.absPath(), &st); err != nil {
		return fs.ToErrno(err)
	}
	out.FromStat(&st)
	return 0
}

func (n *gateNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	p := n.absPath()

	if mode, ok := in.GetMode(); ok {
		if err := syscall.Chmod(p, mode); err != nil {
			return fs.ToErrno(err)
		}
	}

	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		suid, sgid := -1, -1
		if uok {
			suid = int(uid)
		}
		if gok {
			sgid = int(gid)
		}
		if err := syscall.Chown(p, suid, sgid); err != nil {
			return fs.ToErrno(err)
		}
	}

	mtime, mok := in.GetMTime()
	atime, aok := in.GetATime()
	if mok || aok {
		ap, mp := &atime, &mtime
		if !aok {
			ap = nil
		}
		if !mok {
			mp = nil
		}
		ts := [2]syscall.Timespec{fuse.UtimeToTimespec(ap), fuse.UtimeToTimespec(mp)}
		if err := syscall.UtimesNano(p, ts[:]); err != nil {
			return fs.ToErrno(err)
		}
	}

	if size, ok := in.GetSize(); ok {
		if err := syscall.Truncate(p, int64(size)); err != nil {
			return fs.ToErrno(err)
		}
	}

	st := syscall.Stat_t{}
	if err := syscall.Lstat(p, &st); err != nil {
		return fs.ToErrno(err)
	}
	out.FromStat(&st)
	return 0
}

func (n *gateNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	return fs.NewLoopbackDirStream(n.absPath())
}

func (n *gateNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	rel := n.relPath()
	abs := n.absPath()

	accMode := flags & syscall.O_ACCMODE
	if accMode != syscall.O_WRONLY {
		if errno := n.root.gate.CheckRead(ctx, abs, rel); errno != 0 {
			return nil, 0, errno
		}
	}

	fd, err := syscall.Open(abs, int(flags), 0)
	if err != nil {
		return nil, 0, fs.ToErrno(err)
	}
	writable := accMode != syscall.O_RDONLY
	return newFileHandle(fd, n.root.gate, abs, rel, writable), 0, 0
}

func (n *gateNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	rel := filepath.Join(n.relPath(), name)
	abs := filepath.Join(n.absPath(), name)

	fd, err := syscall.Open(abs, int(flags)|os.O_CREATE, mode)
	if err != nil {
		return nil, nil, 0, fs.ToErrno(err)
	}

	st := syscall.Stat_t{}
	if err := syscall.Fstat(fd, &st); err != nil {
		syscall.Close(fd)
		return nil, nil, 0, fs.ToErrno(err)
	}
	out.FromStat(&st)

	child := n.NewInode(ctx, &gateNode{root: n.root}, n.stableAttr(&st))
	return child, newFileHandle(fd, n.root.gate, abs, rel, true), 0, 0
}

func (n *gateNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := filepath.Join(n.absPath(), name)
	if err := syscall.Mkdir(p, mode); err != nil {
		return nil, fs.ToErrno(err)
	}
	st := syscall.Stat_t{}
	if err := syscall.Lstat(p, &st); err != nil {
		syscall.Rmdir(p)
		return nil, fs.ToErrno(err)
	}
	out.Attr.FromStat(&st)
	return n.NewInode(ctx, &gateNode{root: n.root}, n.stableAttr(&st)), 0
}

func (n *gateNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return fs.ToErrno(syscall.Rmdir(filepath.Join(n.absPath(), name)))
}

func (n *gateNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return fs.ToErrno(syscall.Unlink(filepath.Join(n.absPath(), name)))
}

func (n *gateNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.EINVAL
	}
	oldPath := filepath.Join(n.absPath(), name)
	newPath := filepath.Join(n.root.source, newParent.EmbeddedInode().Path(nil), newName)
	return fs.ToErrno(syscall.Rename(oldPath, newPath))
}
