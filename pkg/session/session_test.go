package session

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/esshgate/esshgate/pkg/config"
	"github.com/esshgate/esshgate/pkg/models"
	"github.com/esshgate/esshgate/pkg/protocol"
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

func newTestSession(t *testing.T) (*Session, *captureWriter) {
	t.Helper()
	w := &captureWriter{}
	desc := &models.Connection{Host: "example.com", Port: 22, Username: "root", AuthType: models.AuthTypePassword}
	s := New("s1", "p1", desc, &config.AppConfig{}, w)
	return s, w
}

func TestBuildClientConfig_KeyAuthWithoutKeyIsDistinct(t *testing.T) {
	desc := &models.Connection{
		Username: "root",
		AuthType: models.AuthTypeKey,
	}
	_, err := buildClientConfig(desc, time.Second)
	if err == nil {
		t.Fatalf("expected error for key auth without key material")
	}
	if got := ClassifyDialError(err); got != protocol.ErrAuthFailed {
		t.Fatalf("ClassifyDialError = %q, want AUTH_FAILED", got)
	}
}

func TestBuildClientConfig_GarbageKeyDoesNotFallBackToPassword(t *testing.T) {
	desc := &models.Connection{
		Username:   "root",
		AuthType:   models.AuthTypeKey,
		PrivateKey: "not a pem key",
		Password:   "hunter2",
	}
	if _, err := buildClientConfig(desc, time.Second); err == nil {
		t.Fatalf("expected unusable-key error, got nil")
	}
}

func TestBuildClientConfig_PasswordAuth(t *testing.T) {
	desc := &models.Connection{
		Username: "root",
		AuthType: models.AuthTypePassword,
		Password: "hunter2",
	}
	cfg, err := buildClientConfig(desc, time.Second)
	if err != nil {
		t.Fatalf("buildClientConfig() error = %v", err)
	}
	if len(cfg.Auth) != 1 {
		t.Fatalf("auth methods = %d, want 1", len(cfg.Auth))
	}
	if cfg.User != "root" {
		t.Fatalf("user = %q", cfg.User)
	}
}

func TestClassifyDialError_Timeout(t *testing.T) {
	err := &net.OpError{Op: "dial", Err: timeoutErr{}}
	if got := ClassifyDialError(err); got != protocol.ErrConnectTimeout {
		t.Fatalf("ClassifyDialError = %q, want CONNECT_TIMEOUT", got)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestHandleHeartbeat_ProbeReplyEmitsLatency(t *testing.T) {
	s, w := newTestSession(t)

	s.setRemoteRTT(7)
	s.pingMu.Lock()
	s.pings["r1"] = time.Now().Add(-20 * time.Millisecond)
	s.pingMu.Unlock()

	s.HandleHeartbeat(protocol.HeartbeatHeader{RequestID: "r1"})

	frames := w.byType(protocol.MsgNetworkLatency)
	if len(frames) != 1 {
		t.Fatalf("latency frames = %d, want 1", len(frames))
	}
	var hdr protocol.LatencyHeader
	if err := frames[0].DecodeHeader(&hdr); err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	if hdr.LocalLatency < 20 {
		t.Fatalf("localLatency = %d, want >= 20", hdr.LocalLatency)
	}
	if hdr.RemoteLatency != 7 {
		t.Fatalf("remoteLatency = %d, want 7", hdr.RemoteLatency)
	}
	if hdr.TotalLatency != hdr.RemoteLatency+hdr.LocalLatency {
		t.Fatalf("totalLatency = %d, want remote+local = %d", hdr.TotalLatency, hdr.RemoteLatency+hdr.LocalLatency)
	}
	for _, field := range []string{"remoteLatency", "localLatency", "totalLatency"} {
		if !strings.Contains(string(frames[0].Header), field) {
			t.Fatalf("latency header missing %q: %s", field, frames[0].Header)
		}
	}
	if s.PendingProbes() != 0 {
		t.Fatalf("pending probes = %d, want 0", s.PendingProbes())
	}
}

func TestHandleHeartbeat_UnknownRequestEchoes(t *testing.T) {
	s, w := newTestSession(t)

	s.HandleHeartbeat(protocol.HeartbeatHeader{RequestID: "client-ping"})

	frames := w.byType(protocol.MsgHeartbeat)
	if len(frames) != 1 {
		t.Fatalf("heartbeat frames = %d, want 1", len(frames))
	}
	var hdr protocol.HeartbeatHeader
	if err := frames[0].DecodeHeader(&hdr); err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	if hdr.RequestID != "client-ping" {
		t.Fatalf("requestId = %q", hdr.RequestID)
	}
	if hdr.Timestamp == 0 {
		t.Fatalf("echo should carry the server timestamp")
	}
}

func TestClose_EmitsStateAndIsIdempotent(t *testing.T) {
	s, _ := newTestSession(t)

	s.Close("client")
	s.Close("client")

	if got := s.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed", got)
	}
	select {
	case <-s.Closed():
	default:
		t.Fatalf("Closed() channel should be closed")
	}
}

func TestClose_ErrorReasonEndsErrored(t *testing.T) {
	s, _ := newTestSession(t)

	s.Close(protocol.ErrClientSlow)

	if got := s.State(); got != StateErrored {
		t.Fatalf("state = %v, want errored", got)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	s, _ := newTestSession(t)

	r.Add(s)
	if got, ok := r.Get("s1"); !ok || got != s {
		t.Fatalf("Get() = %v, %v", got, ok)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}

	r.CloseAll()
	if r.Len() != 0 {
		t.Fatalf("Len() after CloseAll = %d, want 0", r.Len())
	}
	if s.State() != StateClosed {
		t.Fatalf("session state = %v, want closed", s.State())
	}
}

func TestWriteShell_RejectsWhenNotConnected(t *testing.T) {
	s, _ := newTestSession(t)

	if err := s.WriteShell([]byte("ls\n")); err == nil {
		t.Fatalf("expected write rejection before connect")
	}
}
