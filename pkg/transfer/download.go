package transfer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path"
	"time"

	"github.com/esshgate/esshgate/pkg/event"
	"github.com/esshgate/esshgate/pkg/protocol"
)

const downloadChunk = 32 * 1024

func (e *Engine) handleDownload(op *operation, hdr protocol.SFTPHeader) {
	c, ok := e.client(hdr.OperationID)
	if !ok {
		return
	}
	remote := hdr.RemotePath
	if remote == "" {
		remote = hdr.Path
	}

	fi, err := c.Stat(remote)
	if err != nil {
		e.opError(hdr.OperationID, protocol.ErrFileStat, err.Error())
		return
	}
	if fi.IsDir() {
		e.opError(hdr.OperationID, protocol.ErrInvalidFileType, "target is a directory")
		return
	}
	// No size gate here: the per-file limit only governs which files a
	// folder archive includes. Single-file downloads stream whatever is asked.
	total := fi.Size()

	event.Emit(event.TransferStartedEvent{
		SessionID:   e.sess.ID,
		OperationID: hdr.OperationID,
		Kind:        "fileDownload",
		TotalBytes:  total,
	})
	started := time.Now()

	var data bytes.Buffer
	err = withTimeout(op.ctx, fileDownloadTimeout, func() error {
		f, err := c.Open(remote)
		if err != nil {
			return err
		}
		op.onCancel(func() { f.Close() })
		defer f.Close()

		buf := make([]byte, downloadChunk)
		for {
			if op.ctx.Err() != nil {
				return op.ctx.Err()
			}
			n, rerr := f.Read(buf)
			if n > 0 {
				data.Write(buf[:n])
				pct := float64(100)
				if total > 0 {
					pct = float64(data.Len()) / float64(total) * 100
				}
				e.progress(hdr.OperationID, pct, int64(data.Len()), total)
			}
			if rerr == io.EOF {
				return nil
			}
			if rerr != nil {
				return rerr
			}
		}
	})
	if e.isCancelled(hdr.OperationID) {
		return
	}
	if err != nil {
		e.opError(hdr.OperationID, protocol.ErrDownload, err.Error())
		return
	}

	sum := sha256.Sum256(data.Bytes())
	elapsed := time.Since(started)
	name := path.Base(remote)

	e.sendFrame(protocol.MsgSFTPFileData, protocol.FileDataHeader{
		SessionID:        e.sess.ID,
		OperationID:      hdr.OperationID,
		Filename:         name,
		MimeType:         mimeTypeFor(name),
		Size:             int64(data.Len()),
		Checksum:         hex.EncodeToString(sum[:]),
		DownloadDuration: elapsed.Seconds(),
		TransferSpeed:    speed(int64(data.Len()), elapsed),
	}, data.Bytes())

	e.success(hdr.OperationID, "download complete", nil)
	event.Emit(event.TransferFinishedEvent{
		SessionID:   e.sess.ID,
		OperationID: hdr.OperationID,
		Kind:        "fileDownload",
		Bytes:       int64(data.Len()),
		DurationMs:  elapsed.Milliseconds(),
	})
}
