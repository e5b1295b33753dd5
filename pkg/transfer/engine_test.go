package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/esshgate/esshgate/pkg/config"
	"github.com/esshgate/esshgate/pkg/models"
	"github.com/esshgate/esshgate/pkg/protocol"
	"github.com/esshgate/esshgate/pkg/session"
)

type captureWriter struct {
	mu     sync.Mutex
	frames []*protocol.Frame
}

func (w *captureWriter) Send(frame []byte) error {
	f, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = append(w.frames, f)
	return nil
}

func (w *captureWriter) byType(t protocol.MsgType) []*protocol.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*protocol.Frame
	for _, f := range w.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

// waitFor polls until fn returns true or the deadline passes.
func waitFor(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within deadline")
}

func newTestEngine(t *testing.T) (*Engine, *captureWriter) {
	t.Helper()
	w := &captureWriter{}
	desc := &models.Connection{Host: "example.com", Username: "root"}
	sess := session.New("s1", "p1", desc, &config.AppConfig{}, w)
	return NewEngine(sess, &config.AppConfig{}), w
}

func errCodeOf(t *testing.T, f *protocol.Frame) string {
	t.Helper()
	var hdr protocol.ErrorHeader
	if err := f.DecodeHeader(&hdr); err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	return hdr.ErrorCode
}

func TestUploadChunk_RejectsBadIndex(t *testing.T) {
	e, w := newTestEngine(t)

	e.handleUploadChunk(protocol.SFTPHeader{
		OperationID: "op1", TotalChunks: 2, ChunkIndex: 2, FileSize: 4,
	}, []byte("data"))

	frames := w.byType(protocol.MsgError)
	if len(frames) != 1 {
		t.Fatalf("error frames = %d, want 1", len(frames))
	}
	if code := errCodeOf(t, frames[0]); code != protocol.ErrDataProcessing {
		t.Fatalf("errorCode = %q, want DATA_PROCESSING_ERROR", code)
	}
}

func TestUpload_OutOfOrderChunksAssembleAscending(t *testing.T) {
	e, w := newTestEngine(t)

	full := []byte("hello world")
	sum := sha256.Sum256(full)
	wrong := hex.EncodeToString(sum[:])
	// Flip the expected digest so commit fails on the checksum gate, which
	// runs after assembly: reaching CHECKSUM_MISMATCH (not a size error)
	// proves the chunks were reassembled in ascending order.
	wrong = "0" + wrong[1:]
	if wrong == hex.EncodeToString(sum[:]) {
		wrong = "f" + wrong[1:]
	}

	hdr := protocol.SFTPHeader{
		OperationID: "op1",
		Filename:    "x.txt",
		RemotePath:  "/tmp/x.txt",
		FileSize:    int64(len(full)),
		TotalChunks: 2,
		Checksum:    wrong,
	}
	hdr.ChunkIndex = 1
	e.handleUploadChunk(hdr, full[6:])
	hdr.ChunkIndex = 0
	e.handleUploadChunk(hdr, full[:6])

	waitFor(t, func() bool { return len(w.byType(protocol.MsgError)) == 1 })
	if code := errCodeOf(t, w.byType(protocol.MsgError)[0]); code != protocol.ErrChecksumMismatch {
		t.Fatalf("errorCode = %q, want CHECKSUM_MISMATCH", code)
	}

	if got := len(w.byType(protocol.MsgProgress)); got != 2 {
		t.Fatalf("progress frames = %d, want 2", got)
	}
}

func TestUpload_ChecksumMismatchFailsBeforeRemoteWrite(t *testing.T) {
	e, w := newTestEngine(t)

	full := []byte("payload bytes")
	hdr := protocol.SFTPHeader{
		OperationID: "op1",
		Filename:    "x.bin",
		RemotePath:  "/tmp/x.bin",
		FileSize:    int64(len(full)),
		TotalChunks: 1,
		ChunkIndex:  0,
		Checksum:    "deadbeef",
	}
	e.handleUploadChunk(hdr, full)

	waitFor(t, func() bool { return len(w.byType(protocol.MsgError)) == 1 })
	if code := errCodeOf(t, w.byType(protocol.MsgError)[0]); code != protocol.ErrChecksumMismatch {
		t.Fatalf("errorCode = %q, want CHECKSUM_MISMATCH", code)
	}
	// The digest gate runs before the SFTP channel is even opened, so a
	// mismatch can never leave a partial remote file. A later write attempt
	// on this engine would have surfaced as CHANNEL_OPEN_FAILED instead.
	e.mu.Lock()
	pending := len(e.uploads)
	e.mu.Unlock()
	if pending != 0 {
		t.Fatalf("pending reassemblies = %d, want 0", pending)
	}
}

func TestUpload_SizeLimitBoundary(t *testing.T) {
	limit := int64(8)
	cfg := &config.AppConfig{}
	cfg.SFTP.MaxUploadSize = &limit

	w := &captureWriter{}
	desc := &models.Connection{Host: "example.com", Username: "root"}
	sess := session.New("s1", "p1", desc, &config.AppConfig{}, w)
	e := NewEngine(sess, cfg)

	send := func(opID string, data []byte) {
		sum := sha256.Sum256(data)
		e.handleUploadChunk(protocol.SFTPHeader{
			OperationID: opID,
			Filename:    "x.bin",
			RemotePath:  "/tmp/x.bin",
			FileSize:    int64(len(data)),
			TotalChunks: 1,
			ChunkIndex:  0,
			Checksum:    hex.EncodeToString(sum[:]),
		}, data)
	}

	// Exactly at the limit clears the size gate and only fails later on the
	// unconnected session's SFTP channel.
	send("at-limit", make([]byte, limit))
	waitFor(t, func() bool { return len(w.byType(protocol.MsgError)) == 1 })
	if code := errCodeOf(t, w.byType(protocol.MsgError)[0]); code != protocol.ErrChannelOpenFailed {
		t.Fatalf("at-limit errorCode = %q, want CHANNEL_OPEN_FAILED", code)
	}

	// One byte over is rejected at the gate.
	send("over-limit", make([]byte, limit+1))
	waitFor(t, func() bool { return len(w.byType(protocol.MsgError)) == 2 })
	if code := errCodeOf(t, w.byType(protocol.MsgError)[1]); code != protocol.ErrUpload {
		t.Fatalf("over-limit errorCode = %q, want UPLOAD_ERROR", code)
	}
}

func TestUploadChunk_DroppedAfterCancel(t *testing.T) {
	e, w := newTestEngine(t)

	hdr := protocol.SFTPHeader{
		OperationID: "op1", Filename: "x", RemotePath: "/tmp/x",
		FileSize: 15, TotalChunks: 3,
	}
	hdr.ChunkIndex = 0
	e.handleUploadChunk(hdr, []byte("hello"))

	e.Cancel("op1")
	framesBefore := len(w.byType(protocol.MsgProgress)) + len(w.byType(protocol.MsgSuccess))

	hdr.ChunkIndex = 1
	e.handleUploadChunk(hdr, []byte("world"))

	e.mu.Lock()
	_, pending := e.uploads["op1"]
	e.mu.Unlock()
	if pending {
		t.Fatalf("late chunk must not recreate the reassembly buffer")
	}
	framesAfter := len(w.byType(protocol.MsgProgress)) + len(w.byType(protocol.MsgSuccess))
	if framesAfter != framesBefore {
		t.Fatalf("frames after late chunk = %d, want %d", framesAfter, framesBefore)
	}
}

func TestUpload_SizeMismatchFails(t *testing.T) {
	e, w := newTestEngine(t)

	e.handleUploadChunk(protocol.SFTPHeader{
		OperationID: "op1", Filename: "x", RemotePath: "/tmp/x",
		FileSize: 100, TotalChunks: 1, ChunkIndex: 0,
	}, []byte("short"))

	waitFor(t, func() bool { return len(w.byType(protocol.MsgError)) == 1 })
	if code := errCodeOf(t, w.byType(protocol.MsgError)[0]); code != protocol.ErrDataProcessing {
		t.Fatalf("errorCode = %q, want DATA_PROCESSING_ERROR", code)
	}
}

func TestCancel_AcknowledgesExactlyOnce(t *testing.T) {
	e, w := newTestEngine(t)

	e.Cancel("op1")
	e.Cancel("op1")

	frames := w.byType(protocol.MsgSuccess)
	if len(frames) != 1 {
		t.Fatalf("success frames = %d, want 1", len(frames))
	}
	var hdr protocol.SuccessHeader
	if err := frames[0].DecodeHeader(&hdr); err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	if hdr.Message != "cancelled" {
		t.Fatalf("message = %q, want cancelled", hdr.Message)
	}
}

func TestCancel_DropsPendingReassembly(t *testing.T) {
	e, w := newTestEngine(t)

	e.handleUploadChunk(protocol.SFTPHeader{
		OperationID: "op1", Filename: "x", RemotePath: "/tmp/x",
		FileSize: 10, TotalChunks: 2, ChunkIndex: 0,
	}, []byte("hello"))

	e.Cancel("op1")

	e.mu.Lock()
	_, pending := e.uploads["op1"]
	e.mu.Unlock()
	if pending {
		t.Fatalf("reassembly buffer should be released on cancel")
	}
	if got := len(w.byType(protocol.MsgSuccess)); got != 1 {
		t.Fatalf("success frames = %d, want 1", got)
	}
}

func TestTerminal_SuppressesSecondFrame(t *testing.T) {
	e, w := newTestEngine(t)

	e.success("op1", "done", nil)
	e.opError("op1", protocol.ErrUpload, "late failure")

	if got := len(w.byType(protocol.MsgError)); got != 0 {
		t.Fatalf("late error frames = %d, want 0", got)
	}
	if got := len(w.byType(protocol.MsgSuccess)); got != 1 {
		t.Fatalf("success frames = %d, want 1", got)
	}
}

func TestProgress_SuppressedAfterTerminal(t *testing.T) {
	e, w := newTestEngine(t)

	e.success("op1", "done", nil)
	e.progress("op1", 50, 5, 10)

	if got := len(w.byType(protocol.MsgProgress)); got != 0 {
		t.Fatalf("progress frames = %d, want 0", got)
	}
}

func TestParseMode(t *testing.T) {
	if m, err := parseMode("755"); err != nil || m != 0o755 {
		t.Fatalf("parseMode(755) = %v, %v", m, err)
	}
	if m, err := parseMode("0644"); err != nil || m != 0o644 {
		t.Fatalf("parseMode(0644) = %v, %v", m, err)
	}
	for _, bad := range []string{"", "999", "rwxr-xr-x", "77777"} {
		if _, err := parseMode(bad); err == nil {
			t.Fatalf("parseMode(%q) should fail", bad)
		}
	}
}

func TestMimeTypeFor(t *testing.T) {
	cases := map[string]string{
		"report.PDF":   "application/pdf",
		"photo.jpeg":   "image/jpeg",
		"archive.tgz":  "application/gzip",
		"mystery.bin":  "application/octet-stream",
		"no_extension": "application/octet-stream",
	}
	for name, want := range cases {
		if got := mimeTypeFor(name); got != want {
			t.Fatalf("mimeTypeFor(%q) = %q, want %q", name, got, want)
		}
	}
}

type fakeFileInfo struct {
	name string
	dir  bool
	mode os.FileMode
}

func (f fakeFileInfo) Name() string       { return f.name }
func (f fakeFileInfo) Size() int64        { return 0 }
func (f fakeFileInfo) Mode() os.FileMode  { return f.mode }
func (f fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (f fakeFileInfo) IsDir() bool        { return f.dir }
func (f fakeFileInfo) Sys() interface{}   { return nil }

func TestShouldSkip(t *testing.T) {
	cases := []struct {
		fi       fakeFileInfo
		skip     bool
		category string
	}{
		{fakeFileInfo{name: "node_modules", dir: true, mode: os.ModeDir}, true, "auto_skip"},
		{fakeFileInfo{name: ".git", dir: true, mode: os.ModeDir}, true, "auto_skip"},
		{fakeFileInfo{name: "scratch.tmp"}, true, "auto_skip"},
		{fakeFileInfo{name: "cache.temp"}, true, "auto_skip"},
		{fakeFileInfo{name: ".env"}, true, "auto_skip"},
		{fakeFileInfo{name: "dev-null", mode: os.ModeDevice}, true, "special_file"},
		{fakeFileInfo{name: "link", mode: os.ModeSymlink}, true, "special_file"},
		{fakeFileInfo{name: "main.go"}, false, ""},
		{fakeFileInfo{name: "src", dir: true, mode: os.ModeDir}, false, ""},
	}
	for _, tc := range cases {
		skip, category := shouldSkip(tc.fi)
		if skip != tc.skip || category != tc.category {
			t.Errorf("shouldSkip(%q) = (%v, %q), want (%v, %q)",
				tc.fi.name, skip, category, tc.skip, tc.category)
		}
	}
}

func TestWantsZip(t *testing.T) {
	cases := map[string]bool{
		"zip":    true,
		"ZIP":    true,
		"tar.gz": false,
		"":       false,
	}
	for format, want := range cases {
		if got := wantsZip(format); got != want {
			t.Errorf("wantsZip(%q) = %v, want %v", format, got, want)
		}
	}
}

func TestShellQuote(t *testing.T) {
	if got := shellQuote("/tmp/it's here"); got != `'/tmp/it'\''s here'` {
		t.Fatalf("shellQuote = %q", got)
	}
}
