package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/esshgate/esshgate/pkg/config"
	"github.com/esshgate/esshgate/pkg/models"
	"github.com/esshgate/esshgate/pkg/protocol"
	"github.com/esshgate/esshgate/pkg/session"
	"github.com/esshgate/esshgate/pkg/token"
	"github.com/esshgate/esshgate/pkg/vault"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) decoded(t *testing.T) []*protocol.Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*protocol.Frame, 0, len(c.frames))
	for _, raw := range c.frames {
		f, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("stream wrote an undecodable frame: %v", err)
		}
		out = append(out, f)
	}
	return out
}

func waitFrames(t *testing.T, c *fakeConn, n int) []*protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fs := c.decoded(t); len(fs) >= n {
			return fs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d frames, got %d", n, len(c.decoded(t)))
	return nil
}

func newTestClientStream(t *testing.T) (*clientStream, *fakeConn) {
	t.Helper()
	tokens, err := token.NewManager("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	v, err := vault.New("test-vault-key")
	if err != nil {
		t.Fatalf("vault.New() error = %v", err)
	}
	gw := New(&config.AppConfig{}, tokens, token.NewPendingConnections(), v)
	conn := &fakeConn{}
	cs := &clientStream{
		gw:          gw,
		principalID: "p1",
		stream:      newStream(conn),
	}
	return cs, conn
}

func TestStream_PreservesEnqueueOrder(t *testing.T) {
	conn := &fakeConn{}
	s := newStream(conn)
	defer s.Close()

	for _, id := range []string{"a", "b", "c"} {
		buf := protocol.MustEncode(protocol.MsgSSHData, protocol.SessionHeader{SessionID: id}, nil)
		if err := s.Send(buf); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	frames := waitFrames(t, conn, 3)
	for i, want := range []string{"a", "b", "c"} {
		var hdr protocol.SessionHeader
		if err := frames[i].DecodeHeader(&hdr); err != nil {
			t.Fatalf("DecodeHeader() error = %v", err)
		}
		if hdr.SessionID != want {
			t.Fatalf("frame[%d] session = %q, want %q", i, hdr.SessionID, want)
		}
	}
}

func TestStream_SendAfterCloseFails(t *testing.T) {
	conn := &fakeConn{}
	s := newStream(conn)
	s.Close()

	buf := protocol.MustEncode(protocol.MsgHeartbeat, nil, nil)
	// The writer may still be draining; closed streams must reject sends
	// promptly rather than block for the whole back-pressure window.
	start := time.Now()
	err := s.Send(buf)
	if err == nil {
		t.Fatalf("Send() after Close should fail")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Send() after Close blocked for %s", time.Since(start))
	}
}

func TestHandleFrame_BadMagicEndsStream(t *testing.T) {
	cs, conn := newTestClientStream(t)
	defer cs.stream.Close()

	raw := protocol.MustEncode(protocol.MsgHeartbeat, nil, nil)
	raw[0] = 0xde

	if cont := cs.handleFrame(raw); cont {
		t.Fatalf("bad magic should end the stream")
	}
	frames := waitFrames(t, conn, 1)
	var hdr protocol.ErrorHeader
	if err := frames[0].DecodeHeader(&hdr); err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	if hdr.ErrorCode != protocol.ErrBadMagic {
		t.Fatalf("errorCode = %q, want BAD_MAGIC", hdr.ErrorCode)
	}
}

func TestHandleFrame_TruncatedFrameKeepsStream(t *testing.T) {
	cs, conn := newTestClientStream(t)
	defer cs.stream.Close()

	if cont := cs.handleFrame([]byte{0x45, 0x53}); !cont {
		t.Fatalf("short frame should not end the stream")
	}
	frames := waitFrames(t, conn, 1)
	var hdr protocol.ErrorHeader
	if err := frames[0].DecodeHeader(&hdr); err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	if hdr.ErrorCode != protocol.ErrBadFrame {
		t.Fatalf("errorCode = %q, want BAD_FRAME", hdr.ErrorCode)
	}
}

func TestHandshake_UnknownConnectionKey(t *testing.T) {
	cs, conn := newTestClientStream(t)
	defer cs.stream.Close()

	raw := protocol.MustEncode(protocol.MsgHandshake, protocol.HandshakeHeader{ConnectionID: "nope"}, nil)
	if cont := cs.handleFrame(raw); !cont {
		t.Fatalf("failed handshake should keep the stream open")
	}

	frames := waitFrames(t, conn, 1)
	var hdr protocol.ErrorHeader
	if err := frames[0].DecodeHeader(&hdr); err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	if hdr.ErrorCode != protocol.ErrSessionNotFound {
		t.Fatalf("errorCode = %q, want SESSION_NOT_FOUND", hdr.ErrorCode)
	}
}

func TestHandshake_UndecryptableSecretsRejected(t *testing.T) {
	cs, conn := newTestClientStream(t)
	defer cs.stream.Close()

	// Secrets sealed under a different vault key must never reach the dialer.
	other, err := vault.New("some-other-key")
	if err != nil {
		t.Fatalf("vault.New() error = %v", err)
	}
	desc := &models.Connection{
		Host: "example.com", Port: 22, Username: "root",
		AuthType: models.AuthTypePassword, Password: "hunter2",
	}
	if err := other.ProcessConnectionSecrets(desc, vault.Encrypt); err != nil {
		t.Fatalf("ProcessConnectionSecrets() error = %v", err)
	}
	key := cs.gw.pending.Put(desc)

	raw := protocol.MustEncode(protocol.MsgHandshake, protocol.HandshakeHeader{ConnectionID: key}, nil)
	if cont := cs.handleFrame(raw); !cont {
		t.Fatalf("failed decrypt should keep the stream open")
	}
	if cs.sess != nil {
		t.Fatalf("no session should be created when decryption fails")
	}

	frames := waitFrames(t, conn, 1)
	var hdr protocol.ErrorHeader
	if err := frames[0].DecodeHeader(&hdr); err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	if hdr.ErrorCode != protocol.ErrAuthFailed {
		t.Fatalf("errorCode = %q, want AUTH_FAILED", hdr.ErrorCode)
	}
}

func TestResize_BeforeShellAnswersWithError(t *testing.T) {
	cs, conn := newTestClientStream(t)
	defer cs.stream.Close()

	desc := &models.Connection{Host: "example.com", Port: 22, Username: "root", AuthType: models.AuthTypePassword}
	cs.sess = session.New("s1", "p1", desc, &config.AppConfig{}, cs.stream)

	raw := protocol.MustEncode(protocol.MsgSSHResize, protocol.ResizeHeader{SessionID: "s1", Cols: 80, Rows: 24}, nil)
	if cont := cs.handleFrame(raw); !cont {
		t.Fatalf("resize failure should keep the stream open")
	}

	frames := waitFrames(t, conn, 1)
	var hdr protocol.ErrorHeader
	if err := frames[0].DecodeHeader(&hdr); err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	if hdr.ErrorCode != protocol.ErrMessageProcessing {
		t.Fatalf("errorCode = %q, want MESSAGE_PROCESSING_ERROR", hdr.ErrorCode)
	}
}

func TestShellData_BeforeHandshakeRejected(t *testing.T) {
	cs, conn := newTestClientStream(t)
	defer cs.stream.Close()

	raw := protocol.MustEncode(protocol.MsgSSHData, protocol.SessionHeader{}, []byte("ls\n"))
	cs.handleFrame(raw)

	frames := waitFrames(t, conn, 1)
	var hdr protocol.ErrorHeader
	if err := frames[0].DecodeHeader(&hdr); err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	if hdr.ErrorCode != protocol.ErrSessionNotFound {
		t.Fatalf("errorCode = %q, want SESSION_NOT_FOUND", hdr.ErrorCode)
	}
}

func TestHeartbeat_EchoedWithoutSession(t *testing.T) {
	cs, conn := newTestClientStream(t)
	defer cs.stream.Close()

	raw := protocol.MustEncode(protocol.MsgHeartbeat, protocol.HeartbeatHeader{RequestID: "r9"}, nil)
	cs.handleFrame(raw)

	frames := waitFrames(t, conn, 1)
	if frames[0].Type != protocol.MsgHeartbeat {
		t.Fatalf("type = %v, want HEARTBEAT", frames[0].Type)
	}
	var hdr protocol.HeartbeatHeader
	if err := frames[0].DecodeHeader(&hdr); err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	if hdr.RequestID != "r9" {
		t.Fatalf("requestId = %q, want r9", hdr.RequestID)
	}
}
