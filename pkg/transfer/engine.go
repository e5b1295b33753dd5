// Package transfer implements the per-session SFTP engine: metadata
// operations, chunked checksum-verified uploads, streamed downloads, folder
// archiving, and a cancellation registry that guarantees exactly one terminal
// frame per operation.
package transfer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/esshgate/esshgate/pkg/config"
	"github.com/esshgate/esshgate/pkg/event"
	"github.com/esshgate/esshgate/pkg/protocol"
	"github.com/esshgate/esshgate/pkg/session"
	"github.com/esshgate/esshgate/pkg/utils"
)

const metaTimeout = 30 * time.Second
const fileDownloadTimeout = 10 * time.Minute

// Engine serves every SFTP_* frame of one session.
type Engine struct {
	sess   *session.Session
	cfg    *config.AppConfig
	logger *slog.Logger

	mu       sync.Mutex
	ops      map[string]*operation
	terminal map[string]struct{}
	uploads  map[string]*reassembly
}

type operation struct {
	id        string
	kind      string
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled bool

	destroyMu sync.Mutex
	destroy   []func()
}

func NewEngine(sess *session.Session, cfg *config.AppConfig) *Engine {
	return &Engine{
		sess:     sess,
		cfg:      cfg,
		logger:   utils.GetLogger().With("sessionId", sess.ID),
		ops:      make(map[string]*operation),
		terminal: make(map[string]struct{}),
		uploads:  make(map[string]*reassembly),
	}
}

// Handle dispatches one SFTP frame. Long-running operations run on their own
// goroutine; the caller's read loop is never blocked by a transfer.
func (e *Engine) Handle(f *protocol.Frame) {
	var hdr protocol.SFTPHeader
	if err := f.DecodeHeader(&hdr); err != nil {
		e.logger.Warn("bad sftp header", "type", f.Type.String(), "error", err)
		e.sess.SendError(protocol.ErrMessageProcessing, "malformed SFTP header", "")
		return
	}
	if hdr.OperationID == "" && f.Type != protocol.MsgSFTPInit && f.Type != protocol.MsgSFTPClose {
		e.sess.SendError(protocol.ErrMessageProcessing, "operationId is required", "")
		return
	}

	switch f.Type {
	case protocol.MsgSFTPInit:
		e.run(hdr, "init", func(op *operation) { e.handleInit(hdr) })
	case protocol.MsgSFTPList:
		e.run(hdr, "list", func(op *operation) { e.handleList(op, hdr) })
	case protocol.MsgSFTPMkdir:
		e.run(hdr, "mkdir", func(op *operation) { e.handleMkdir(op, hdr) })
	case protocol.MsgSFTPDelete:
		e.run(hdr, "delete", func(op *operation) { e.handleDelete(op, hdr) })
	case protocol.MsgSFTPRename:
		e.run(hdr, "rename", func(op *operation) { e.handleRename(op, hdr) })
	case protocol.MsgSFTPChmod:
		e.run(hdr, "chmod", func(op *operation) { e.handleChmod(op, hdr) })
	case protocol.MsgSFTPUpload:
		// Chunk intake is cheap and order-sensitive bookkeeping; only the
		// final commit moves to a goroutine inside handleUploadChunk.
		e.handleUploadChunk(hdr, f.Payload)
	case protocol.MsgSFTPDownload:
		e.run(hdr, "fileDownload", func(op *operation) { e.handleDownload(op, hdr) })
	case protocol.MsgSFTPDownloadFolder:
		e.run(hdr, "folderDownload", func(op *operation) { e.handleDownloadFolder(op, hdr) })
	case protocol.MsgSFTPCancel:
		e.Cancel(hdr.OperationID)
	case protocol.MsgSFTPClose:
		e.Shutdown()
	default:
		e.sess.SendError(protocol.ErrInvalidMessageType, "unsupported SFTP message", hdr.OperationID)
	}
}

// run registers an operation and executes fn under a panic supervisor.
func (e *Engine) run(hdr protocol.SFTPHeader, kind string, fn func(op *operation)) {
	op := e.register(hdr.OperationID, kind)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("sftp operation panicked", "operationId", hdr.OperationID, "panic", r)
				e.opError(hdr.OperationID, protocol.ErrOperationFailed, "operation failed")
			}
			e.unregister(hdr.OperationID)
		}()
		fn(op)
	}()
}

func (e *Engine) register(id, kind string) *operation {
	ctx, cancel := context.WithCancel(context.Background())
	op := &operation{id: id, kind: kind, ctx: ctx, cancel: cancel}

	e.mu.Lock()
	e.ops[id] = op
	e.mu.Unlock()
	return op
}

func (e *Engine) unregister(id string) {
	e.mu.Lock()
	op := e.ops[id]
	delete(e.ops, id)
	e.mu.Unlock()
	if op != nil {
		op.cancel()
	}
}

// onCancel registers a teardown hook run when the operation is cancelled.
func (op *operation) onCancel(fn func()) {
	op.destroyMu.Lock()
	defer op.destroyMu.Unlock()
	op.destroy = append(op.destroy, fn)
}

// Cancel tears one operation down: marks it cancelled, destroys its
// underlying handles, releases any reassembly buffer, and emits the terminal
// cancelled frame. Other operations and the shell are untouched.
func (e *Engine) Cancel(operationID string) {
	e.mu.Lock()
	op := e.ops[operationID]
	if op != nil {
		op.cancelled = true
	}
	delete(e.uploads, operationID)
	e.mu.Unlock()

	if op != nil {
		op.cancel()
		op.destroyMu.Lock()
		destroy := op.destroy
		op.destroy = nil
		op.destroyMu.Unlock()
		for _, fn := range destroy {
			fn()
		}
		event.Emit(event.TransferCancelledEvent{SessionID: e.sess.ID, OperationID: operationID})
	}

	// Acknowledged even when nothing is live under this ID so the client can
	// settle its bookkeeping; claimTerminal keeps the frame unique.
	e.success(operationID, "cancelled", nil)
}

// Shutdown cancels every live operation and drops all buffers. Called on
// SFTP_CLOSE and on session teardown.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	ops := make([]*operation, 0, len(e.ops))
	for _, op := range e.ops {
		op.cancelled = true
		ops = append(ops, op)
	}
	e.ops = make(map[string]*operation)
	e.uploads = make(map[string]*reassembly)
	e.mu.Unlock()

	for _, op := range ops {
		op.cancel()
		op.destroyMu.Lock()
		destroy := op.destroy
		op.destroy = nil
		op.destroyMu.Unlock()
		for _, fn := range destroy {
			fn()
		}
	}
}

func (e *Engine) handleInit(hdr protocol.SFTPHeader) {
	if _, err := e.sess.SFTPClient(); err != nil {
		e.opError(hdr.OperationID, protocol.ErrChannelOpenFailed, err.Error())
		return
	}
	e.success(hdr.OperationID, "sftp ready", nil)
}

// cancelled reports whether the operation was torn down; used to suppress
// late callbacks from in-flight pipelines.
func (e *Engine) isCancelled(operationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	op, ok := e.ops[operationID]
	return ok && op.cancelled
}

// success emits the terminal SUCCESS frame, at most once per operation.
func (e *Engine) success(operationID, message string, data interface{}) {
	if !e.claimTerminal(operationID) {
		return
	}
	e.sendFrame(protocol.MsgSuccess, protocol.SuccessHeader{
		SessionID:   e.sess.ID,
		OperationID: operationID,
		Message:     message,
		Data:        data,
	}, nil)
}

// opError emits the terminal ERROR frame, at most once per operation.
func (e *Engine) opError(operationID, code, msg string) {
	if !e.claimTerminal(operationID) {
		return
	}
	e.sess.SendError(code, msg, operationID)
}

func (e *Engine) claimTerminal(operationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, done := e.terminal[operationID]; done {
		return false
	}
	e.terminal[operationID] = struct{}{}
	return true
}

// progress emits a PROGRESS frame unless the operation is already settled.
func (e *Engine) progress(operationID string, pct float64, transferred, total int64) {
	e.mu.Lock()
	_, settled := e.terminal[operationID]
	op, live := e.ops[operationID]
	e.mu.Unlock()
	if settled || (live && op.cancelled) {
		return
	}
	if pct > 100 {
		pct = 100
	}
	e.sendFrame(protocol.MsgProgress, protocol.ProgressHeader{
		SessionID:        e.sess.ID,
		OperationID:      operationID,
		Progress:         pct,
		BytesTransferred: transferred,
		TotalBytes:       total,
	}, nil)
}

func (e *Engine) sendFrame(t protocol.MsgType, header interface{}, payload []byte) {
	buf, err := protocol.Encode(t, header, payload)
	if err != nil {
		e.logger.Error("encode sftp frame", "type", t.String(), "error", err)
		return
	}
	if err := e.sess.SendRaw(buf); err != nil {
		e.logger.Debug("sftp frame send failed", "type", t.String(), "error", err)
	}
}

// withTimeout runs fn and waits up to d. On expiry the operation's terminal
// error is the caller's responsibility; fn keeps running until the SFTP
// handle is torn down.
func withTimeout(ctx context.Context, d time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.New("operation cancelled")
	case <-timer.C:
		return errors.Errorf("operation timed out after %s", d)
	}
}
