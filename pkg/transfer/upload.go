package transfer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"github.com/esshgate/esshgate/pkg/event"
	"github.com/esshgate/esshgate/pkg/protocol"
)

// reassembly stitches out-of-order upload chunks back into the original byte
// sequence. Commit order is chunkIndex ascending.
type reassembly struct {
	filename   string
	remotePath string
	fileSize   int64
	checksum   string
	total      int
	chunks     map[int][]byte
	started    time.Time
}

// handleUploadChunk ingests one chunk. Intake happens on the dispatch
// goroutine to keep per-operation bookkeeping ordered; the final commit runs
// detached.
func (e *Engine) handleUploadChunk(hdr protocol.SFTPHeader, payload []byte) {
	if hdr.TotalChunks < 1 || hdr.ChunkIndex < 0 || hdr.ChunkIndex >= hdr.TotalChunks {
		e.opError(hdr.OperationID, protocol.ErrDataProcessing, "chunk index out of range")
		return
	}

	e.mu.Lock()
	if _, settled := e.terminal[hdr.OperationID]; settled {
		// Late chunk for a cancelled or finished operation. Allocating a
		// fresh reassembly here would leak until session teardown.
		e.mu.Unlock()
		return
	}
	buf := e.uploads[hdr.OperationID]
	if buf == nil {
		buf = &reassembly{
			filename:   hdr.Filename,
			remotePath: hdr.RemotePath,
			fileSize:   hdr.FileSize,
			checksum:   hdr.Checksum,
			total:      hdr.TotalChunks,
			chunks:     make(map[int][]byte),
			started:    time.Now(),
		}
		e.uploads[hdr.OperationID] = buf
		event.Emit(event.TransferStartedEvent{
			SessionID:   e.sess.ID,
			OperationID: hdr.OperationID,
			Kind:        "upload",
			TotalBytes:  hdr.FileSize,
		})
	}
	if buf.checksum == "" && hdr.Checksum != "" {
		buf.checksum = hdr.Checksum
	}
	chunk := make([]byte, len(payload))
	copy(chunk, payload)
	buf.chunks[hdr.ChunkIndex] = chunk
	received := len(buf.chunks)
	complete := received == buf.total
	if complete {
		delete(e.uploads, hdr.OperationID)
	}
	e.mu.Unlock()

	e.progress(hdr.OperationID, float64(received)/float64(buf.total)*100, int64(received), int64(buf.total))

	if complete {
		e.run(hdr, "upload", func(op *operation) { e.commitUpload(op, hdr.OperationID, buf) })
	}
}

func (e *Engine) commitUpload(op *operation, operationID string, buf *reassembly) {
	data := make([]byte, 0, buf.fileSize)
	for i := 0; i < buf.total; i++ {
		data = append(data, buf.chunks[i]...)
	}
	buf.chunks = nil

	if int64(len(data)) != buf.fileSize {
		e.opError(operationID, protocol.ErrDataProcessing, "assembled size does not match fileSize")
		return
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if buf.checksum != "" && buf.checksum != digest {
		e.opError(operationID, protocol.ErrChecksumMismatch, "checksum mismatch")
		return
	}
	if int64(len(data)) > e.cfg.MaxUploadSize() {
		e.opError(operationID, protocol.ErrUpload, "file exceeds the upload size limit")
		return
	}

	c, ok := e.client(operationID)
	if !ok {
		return
	}

	err := withTimeout(op.ctx, e.cfg.TransferTimeout(), func() error {
		f, err := c.Create(buf.remotePath)
		if err != nil {
			return err
		}
		op.onCancel(func() { f.Close() })
		defer f.Close()

		if len(data) == 0 {
			// Empty files just need the create/truncate above.
			return nil
		}
		_, err = io.Copy(f, bytes.NewReader(data))
		return err
	})
	if e.isCancelled(operationID) {
		return
	}
	if err != nil {
		e.opError(operationID, protocol.ErrUpload, err.Error())
		return
	}

	elapsed := time.Since(buf.started)
	result := protocol.UploadResult{
		Filename:       buf.filename,
		RemotePath:     buf.remotePath,
		TotalSize:      int64(len(data)),
		Checksum:       digest,
		UploadDuration: elapsed.Seconds(),
		TransferSpeed:  speed(int64(len(data)), elapsed),
	}
	e.success(operationID, "upload complete", result)
	event.Emit(event.TransferFinishedEvent{
		SessionID:   e.sess.ID,
		OperationID: operationID,
		Kind:        "upload",
		Bytes:       int64(len(data)),
		DurationMs:  elapsed.Milliseconds(),
	})
}

// speed returns bytes per second.
func speed(n int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}
