// Package session owns the lifecycle of one SSH session behind a websocket
// stream: connect, authenticate, interactive shell, keep-alive probing,
// reconnect with exponential backoff, and teardown.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/esshgate/esshgate/pkg/config"
	"github.com/esshgate/esshgate/pkg/event"
	"github.com/esshgate/esshgate/pkg/models"
	"github.com/esshgate/esshgate/pkg/protocol"
	"github.com/esshgate/esshgate/pkg/utils"
)

// State is the broker state machine position.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateConnected
	StateReconnecting
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// StreamWriter queues one outbound frame. Send blocks up to the stream's
// back-pressure window; a non-nil error means the client cannot keep up or
// the stream is gone.
type StreamWriter interface {
	Send(frame []byte) error
}

// staleAfter is how long an outstanding heartbeat probe is kept before it is
// purged unanswered.
const staleAfter = 10 * time.Second

// Session is one live SSH session.
type Session struct {
	ID          string
	PrincipalID string

	cfg    *config.AppConfig
	writer StreamWriter
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	descriptor *models.Connection
	client     *ssh.Client
	shell      *shell
	sftpClient *sftp.Client
	retryCount int
	generation int // bumped on every (re)connect so stale watchdogs no-op

	pingMu      sync.Mutex
	pings       map[string]time.Time
	remoteRTTMs int64 // last SSH keepalive round trip

	closed    chan struct{}
	closeOnce sync.Once
	done      sync.WaitGroup
}

// New allocates a session around a decrypted descriptor. The caller must
// invoke Connect before any shell traffic.
func New(id, principalID string, desc *models.Connection, cfg *config.AppConfig, w StreamWriter) *Session {
	return &Session{
		ID:          id,
		PrincipalID: principalID,
		cfg:         cfg,
		writer:      w,
		logger:      utils.GetLogger().With("sessionId", id),
		state:       StateConnecting,
		descriptor:  desc,
		pings:       make(map[string]time.Time),
		closed:      make(chan struct{}),
	}
}

// State returns the current machine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Closed reports session teardown; the channel closes exactly once.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// Connect dials the target, opens the PTY shell, announces readiness to the
// client, and starts the keep-alive and transport watchdog goroutines.
func (s *Session) Connect(cols, rows int) error {
	s.mu.Lock()
	s.state = StateAuthenticating
	desc := s.descriptor
	s.mu.Unlock()

	client, err := dialSSH(desc, s.cfg.ConnectTimeout())
	if err != nil {
		s.fail(ClassifyDialError(err))
		return err
	}

	sh, err := openShell(client, cols, rows, s.logger)
	if err != nil {
		client.Close()
		s.fail(protocol.ErrChannelOpenFailed)
		return err
	}

	s.mu.Lock()
	s.client = client
	s.shell = sh
	s.state = StateConnected
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	s.sendFrame(protocol.MsgConnected, protocol.ConnectedHeader{
		SessionID: s.ID,
		Message:   "connected",
	}, nil)
	event.Emit(event.SessionConnectedEvent{SessionID: s.ID})

	s.startPump(sh)
	s.watchTransport(client, gen)

	s.done.Add(2)
	go s.keepaliveLoop()
	go s.remoteKeepaliveLoop(client)

	s.logger.Info("session connected", "host", desc.Host, "user", desc.Username)
	return nil
}

// watchTransport reconnects when the SSH transport drops out from under a
// connected session.
func (s *Session) watchTransport(client *ssh.Client, gen int) {
	go func() {
		err := client.Wait()

		s.mu.Lock()
		stale := s.generation != gen || s.state == StateClosed || s.state == StateErrored
		s.mu.Unlock()
		if stale {
			return
		}

		s.logger.Warn("ssh transport lost", "error", err)
		s.reconnect()
	}()
}

// reconnect re-dials with RECONNECT_DELAY * 2^retry pacing up to MAX_RETRY
// attempts. The shell is fresh; no scrollback survives.
func (s *Session) reconnect() {
	s.mu.Lock()
	if s.state == StateClosed || s.state == StateErrored {
		s.mu.Unlock()
		return
	}
	s.state = StateReconnecting
	desc := s.descriptor
	maxRetry := s.cfg.MaxRetry()
	s.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ReconnectDelay()
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 5 * time.Minute
	bo.Reset()

	for attempt := 1; attempt <= maxRetry; attempt++ {
		select {
		case <-s.closed:
			return
		case <-time.After(bo.NextBackOff()):
		}

		event.Emit(event.SessionReconnectingEvent{SessionID: s.ID, Attempt: attempt, MaxRetry: maxRetry})
		s.logger.Info("reconnect attempt", "attempt", attempt, "maxRetry", maxRetry)

		client, err := dialSSH(desc, s.cfg.ConnectTimeout())
		if err != nil {
			s.logger.Warn("reconnect dial failed", "attempt", attempt, "error", err)
			continue
		}
		sh, err := openShell(client, 0, 0, s.logger)
		if err != nil {
			client.Close()
			s.logger.Warn("reconnect shell failed", "attempt", attempt, "error", err)
			continue
		}

		s.mu.Lock()
		s.teardownTransportLocked()
		s.client = client
		s.shell = sh
		s.state = StateConnected
		s.retryCount = 0
		s.generation++
		gen := s.generation
		s.mu.Unlock()

		s.sendFrame(protocol.MsgConnected, protocol.ConnectedHeader{
			SessionID: s.ID,
			Message:   "reconnected",
		}, nil)
		event.Emit(event.SessionConnectedEvent{SessionID: s.ID, Attempt: attempt})

		s.startPump(sh)
		s.watchTransport(client, gen)
		s.done.Add(1)
		go s.remoteKeepaliveLoop(client)
		return
	}

	s.fail(protocol.ErrHostUnreachable)
}

// WriteShell forwards raw client bytes to the shell's stdin.
func (s *Session) WriteShell(p []byte) error {
	s.mu.Lock()
	sh := s.shell
	state := s.state
	s.mu.Unlock()

	if state != StateConnected || sh == nil {
		return errors.New("session is not connected")
	}
	c := event.Stats().Session(s.ID)
	c.BytesIn.Add(int64(len(p)))
	c.FramesIn.Add(1)
	return sh.Write(p)
}

// Resize applies new PTY dimensions.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	sh := s.shell
	s.mu.Unlock()

	if sh == nil {
		return errors.New("no shell channel")
	}
	return sh.Resize(cols, rows)
}

// SFTPClient returns the session's SFTP subsystem handle, opening it lazily
// on first use.
func (s *Session) SFTPClient() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return nil, errors.New("session is not connected")
	}
	if s.sftpClient != nil {
		return s.sftpClient, nil
	}
	c, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, errors.Wrap(err, "open sftp subsystem")
	}
	s.sftpClient = c
	return c, nil
}

// ResetSFTP drops a broken SFTP handle so the next request reopens it.
func (s *Session) ResetSFTP() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftpClient != nil {
		s.sftpClient.Close()
		s.sftpClient = nil
	}
}

// NewExecSession opens a one-shot SSH session for remote command execution
// (tar streaming, preflight sizing).
func (s *Session) NewExecSession() (*ssh.Session, error) {
	s.mu.Lock()
	client := s.client
	state := s.state
	s.mu.Unlock()

	if state != StateConnected || client == nil {
		return nil, errors.New("session is not connected")
	}
	return client.NewSession()
}

// Close tears the session down in order: shell, SFTP, transport, timers.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		final := StateClosed
		if reason != "client" && reason != "shutdown" && reason != "disconnect" {
			final = StateErrored
		}
		s.state = final
		s.teardownTransportLocked()
		s.mu.Unlock()

		close(s.closed)
		s.done.Wait()
		event.Stats().Remove(s.ID)

		if final == StateErrored {
			event.Emit(event.SessionErroredEvent{SessionID: s.ID, ErrorCode: reason})
		} else {
			event.Emit(event.SessionClosedEvent{SessionID: s.ID, Reason: reason})
		}
		s.logger.Info("session closed", "reason", reason)
	})
}

// fail ends the session with an ERROR frame carrying code.
func (s *Session) fail(code string) {
	s.sendFrame(protocol.MsgError, protocol.ErrorHeader{
		ErrorCode:    code,
		ErrorMessage: code,
		SessionID:    s.ID,
	}, nil)
	s.Close(code)
}

func (s *Session) teardownTransportLocked() {
	if s.shell != nil {
		s.shell.Close()
		s.shell = nil
	}
	if s.sftpClient != nil {
		s.sftpClient.Close()
		s.sftpClient = nil
	}
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

func (s *Session) sendFrame(t protocol.MsgType, header interface{}, payload []byte) {
	buf, err := protocol.Encode(t, header, payload)
	if err != nil {
		s.logger.Error("encode frame", "type", t.String(), "error", err)
		return
	}
	if err := s.writer.Send(buf); err != nil {
		s.logger.Debug("stream send failed", "type", t.String(), "error", err)
	}
}

// SendRaw queues a pre-encoded frame on this session's stream.
func (s *Session) SendRaw(frame []byte) error {
	if err := s.writer.Send(frame); err != nil {
		return err
	}
	c := event.Stats().Session(s.ID)
	c.BytesOut.Add(int64(len(frame)))
	c.FramesOut.Add(1)
	return nil
}

// SendError emits a non-terminal operation error on this session's stream.
func (s *Session) SendError(code, msg, operationID string) {
	s.sendFrame(protocol.MsgError, protocol.ErrorHeader{
		ErrorCode:    code,
		ErrorMessage: msg,
		SessionID:    s.ID,
		OperationID:  operationID,
	}, nil)
}
