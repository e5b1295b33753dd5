package transfer

import (
	"os"
	"path"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"

	"github.com/esshgate/esshgate/pkg/protocol"
)

func (e *Engine) client(operationID string) (*sftp.Client, bool) {
	c, err := e.sess.SFTPClient()
	if err != nil {
		e.opError(operationID, protocol.ErrChannelOpenFailed, err.Error())
		return nil, false
	}
	return c, true
}

func (e *Engine) handleList(op *operation, hdr protocol.SFTPHeader) {
	c, ok := e.client(hdr.OperationID)
	if !ok {
		return
	}
	dir := hdr.Path
	if dir == "" {
		dir = "."
	}

	var entries []protocol.ListEntry
	err := withTimeout(op.ctx, metaTimeout, func() error {
		infos, err := c.ReadDir(dir)
		if err != nil {
			return err
		}
		entries = make([]protocol.ListEntry, 0, len(infos))
		for _, fi := range infos {
			entries = append(entries, protocol.ListEntry{
				Name:  fi.Name(),
				Type:  entryType(fi),
				Size:  fi.Size(),
				Mtime: fi.ModTime().Unix(),
				Mode:  uint32(fi.Mode().Perm()),
			})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		return nil
	})
	if err != nil {
		e.opError(hdr.OperationID, protocol.ErrFileStat, err.Error())
		return
	}
	e.success(hdr.OperationID, "", map[string]interface{}{"path": dir, "entries": entries})
}

func entryType(fi os.FileInfo) string {
	mode := fi.Mode()
	switch {
	case mode.IsDir():
		return "dir"
	case mode&os.ModeSymlink != 0:
		return "symlink"
	case mode.IsRegular():
		return "file"
	default:
		return "other"
	}
}

func (e *Engine) handleMkdir(op *operation, hdr protocol.SFTPHeader) {
	c, ok := e.client(hdr.OperationID)
	if !ok {
		return
	}
	err := withTimeout(op.ctx, metaTimeout, func() error {
		return c.MkdirAll(hdr.Path)
	})
	if err != nil {
		e.opError(hdr.OperationID, protocol.ErrDataProcessing, err.Error())
		return
	}
	e.success(hdr.OperationID, "directory created", map[string]string{"path": hdr.Path})
}

func (e *Engine) handleDelete(op *operation, hdr protocol.SFTPHeader) {
	c, ok := e.client(hdr.OperationID)
	if !ok {
		return
	}
	err := withTimeout(op.ctx, metaTimeout, func() error {
		if hdr.IsDirectory {
			return removeAll(c, hdr.Path)
		}
		return c.Remove(hdr.Path)
	})
	if err != nil {
		e.opError(hdr.OperationID, protocol.ErrDataProcessing, err.Error())
		return
	}
	e.success(hdr.OperationID, "deleted", map[string]string{"path": hdr.Path})
}

// removeAll deletes a directory tree depth-first.
func removeAll(c *sftp.Client, dir string) error {
	infos, err := c.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, fi := range infos {
		p := path.Join(dir, fi.Name())
		if fi.IsDir() {
			if err := removeAll(c, p); err != nil {
				return err
			}
		} else if err := c.Remove(p); err != nil {
			return err
		}
	}
	return c.RemoveDirectory(dir)
}

func (e *Engine) handleRename(op *operation, hdr protocol.SFTPHeader) {
	c, ok := e.client(hdr.OperationID)
	if !ok {
		return
	}
	if hdr.OldPath == "" || hdr.NewPath == "" {
		e.opError(hdr.OperationID, protocol.ErrMessageProcessing, "oldPath and newPath are required")
		return
	}
	err := withTimeout(op.ctx, metaTimeout, func() error {
		return c.Rename(hdr.OldPath, hdr.NewPath)
	})
	if err != nil {
		e.opError(hdr.OperationID, protocol.ErrDataProcessing, err.Error())
		return
	}
	e.success(hdr.OperationID, "renamed", map[string]string{"oldPath": hdr.OldPath, "newPath": hdr.NewPath})
}

func (e *Engine) handleChmod(op *operation, hdr protocol.SFTPHeader) {
	c, ok := e.client(hdr.OperationID)
	if !ok {
		return
	}
	mode, err := parseMode(hdr.Permissions)
	if err != nil {
		e.opError(hdr.OperationID, protocol.ErrMessageProcessing, err.Error())
		return
	}
	err = withTimeout(op.ctx, metaTimeout, func() error {
		return c.Chmod(hdr.Path, mode)
	})
	if err != nil {
		e.opError(hdr.OperationID, protocol.ErrDataProcessing, err.Error())
		return
	}
	e.success(hdr.OperationID, "mode changed", map[string]string{"path": hdr.Path, "permissions": hdr.Permissions})
}

// parseMode accepts octal permission strings like "755" or "0644".
func parseMode(s string) (os.FileMode, error) {
	if s == "" {
		return 0, errors.New("permissions are required")
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil || v > 0o7777 {
		return 0, errors.Errorf("invalid permissions %q", s)
	}
	return os.FileMode(v), nil
}
