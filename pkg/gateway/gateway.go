// Package gateway terminates client websocket streams: admission, frame
// decode/dispatch, session handshake, and teardown.
package gateway

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/esshgate/esshgate/pkg/config"
	"github.com/esshgate/esshgate/pkg/event"
	"github.com/esshgate/esshgate/pkg/protocol"
	"github.com/esshgate/esshgate/pkg/session"
	"github.com/esshgate/esshgate/pkg/token"
	"github.com/esshgate/esshgate/pkg/transfer"
	"github.com/esshgate/esshgate/pkg/utils"
	"github.com/esshgate/esshgate/pkg/vault"
)

// preConnectBufferMax bounds how many shell bytes may queue while the SSH
// transport is still being established.
const preConnectBufferMax = 256 * 1024

type Gateway struct {
	cfg      *config.AppConfig
	tokens   *token.Manager
	pending  *token.PendingConnections
	vault    *vault.Vault
	registry *session.Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(cfg *config.AppConfig, tokens *token.Manager, pending *token.PendingConnections, v *vault.Vault) *Gateway {
	return &Gateway{
		cfg:      cfg,
		tokens:   tokens,
		pending:  pending,
		vault:    v,
		registry: session.NewRegistry(),
		logger:   utils.GetLogger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Registry exposes the live-session registry for shutdown and status.
func (g *Gateway) Registry() *session.Registry { return g.registry }

// HandleSSH is the /ws/ssh endpoint.
func (g *Gateway) HandleSSH(c *gin.Context) {
	tok := utils.BearerToken(c.Request)
	if tok == "" {
		tok = c.Query("token")
	}
	principalID, err := g.tokens.Verify(tok)
	if err != nil {
		code := protocol.ErrTokenInvalid
		if token.IsRemoteLogout(err) {
			code = protocol.ErrTokenRemoteLogout
		}
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": code})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	cs := &clientStream{
		gw:          g,
		principalID: principalID,
		stream:      newStream(conn),
		connecting:  false,
	}
	defer cs.teardown("client")

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if !cs.handleFrame(data) {
			return
		}
	}
}

// clientStream is the per-websocket dispatch state.
type clientStream struct {
	gw          *Gateway
	principalID string
	stream      *stream

	sess   *session.Session
	engine *transfer.Engine

	connecting bool
	connected  chan struct{}

	bufMu   sync.Mutex
	preBuf  []byte
	flushed bool
}

// handleFrame processes one inbound frame; a false return ends the stream.
func (cs *clientStream) handleFrame(data []byte) bool {
	f, err := protocol.Decode(data)
	if err != nil {
		switch err {
		case protocol.ErrFrameBadMagic:
			cs.sendError(protocol.ErrBadMagic, "bad frame magic", "")
			return false
		case protocol.ErrFrameBadVersion:
			cs.sendError(protocol.ErrBadVersion, "unsupported protocol version", "")
			return false
		default:
			cs.sendError(protocol.ErrBadFrame, "malformed frame", "")
			return true
		}
	}

	switch f.Type {
	case protocol.MsgHandshake:
		return cs.handleHandshake(f)
	case protocol.MsgHeartbeat:
		cs.handleHeartbeat(f)
	case protocol.MsgSSHData:
		cs.handleShellData(f.Payload)
	case protocol.MsgSSHCommand:
		cs.handleShellData(append(f.Payload, '\n'))
	case protocol.MsgSSHResize:
		cs.handleResize(f)
	case protocol.MsgDisconnect:
		cs.teardown("disconnect")
		return false
	default:
		if f.Type.IsSFTPRequest() {
			cs.handleSFTP(f)
			return true
		}
		cs.sendError(protocol.ErrInvalidMessageType, "unsupported message type", "")
	}
	return true
}

func (cs *clientStream) handleHandshake(f *protocol.Frame) bool {
	if cs.sess != nil || cs.connecting {
		cs.sendError(protocol.ErrMessageProcessing, "handshake already performed", "")
		return true
	}

	var hdr protocol.HandshakeHeader
	if err := f.DecodeHeader(&hdr); err != nil {
		cs.sendError(protocol.ErrMessageProcessing, "malformed handshake", "")
		return true
	}
	desc, ok := cs.gw.pending.Take(hdr.ConnectionID)
	if !ok {
		cs.sendError(protocol.ErrSessionNotFound, "unknown or expired connection key", "")
		return true
	}

	// The pending cache only ever holds ciphertext; plaintext secrets exist
	// from here until the SSH handshake completes.
	if err := cs.gw.vault.ProcessConnectionSecrets(desc, vault.Decrypt); err != nil {
		cs.gw.logger.Warn("pending descriptor decrypt failed", "connectionKey", hdr.ConnectionID, "error", err)
		cs.sendError(protocol.ErrAuthFailed, "credential decryption failed", "")
		return true
	}

	sessionID := uuid.New().String()
	sess := session.New(sessionID, cs.principalID, desc, cs.gw.cfg, cs.stream)
	cs.sess = sess
	cs.engine = transfer.NewEngine(sess, cs.gw.cfg)
	cs.connecting = true
	cs.connected = make(chan struct{})
	cs.gw.registry.Add(sess)

	event.Emit(event.SessionOpenedEvent{
		SessionID:   sessionID,
		PrincipalID: cs.principalID,
		Host:        desc.Host,
	})

	// Dial off the read loop so heartbeats keep flowing; shell bytes that
	// arrive early are buffered and flushed once the PTY is live.
	go func() {
		defer close(cs.connected)
		if err := sess.Connect(hdr.Cols, hdr.Rows); err != nil {
			cs.gw.logger.Warn("ssh connect failed", "sessionId", sessionID, "error", err)
			cs.gw.registry.Remove(sessionID)
			cs.bufMu.Lock()
			cs.preBuf = nil
			cs.flushed = true
			cs.bufMu.Unlock()
			return
		}
		cs.bufMu.Lock()
		buffered := cs.preBuf
		cs.preBuf = nil
		cs.flushed = true
		cs.bufMu.Unlock()
		if len(buffered) > 0 {
			if err := sess.WriteShell(buffered); err != nil {
				cs.gw.logger.Debug("flush buffered shell bytes", "error", err)
			}
		}
	}()
	return true
}

func (cs *clientStream) handleShellData(p []byte) {
	if cs.sess == nil {
		cs.sendError(protocol.ErrSessionNotFound, "no active session", "")
		return
	}
	cs.bufMu.Lock()
	if !cs.flushed {
		if len(cs.preBuf)+len(p) > preConnectBufferMax {
			cs.bufMu.Unlock()
			cs.sendError(protocol.ErrMessageProcessing, "pre-connect buffer overflow", "")
			return
		}
		cs.preBuf = append(cs.preBuf, p...)
		cs.bufMu.Unlock()
		return
	}
	cs.bufMu.Unlock()
	if err := cs.sess.WriteShell(p); err != nil {
		cs.sendError(protocol.ErrDataProcessing, err.Error(), "")
	}
}

func (cs *clientStream) handleResize(f *protocol.Frame) {
	if cs.sess == nil {
		cs.sendError(protocol.ErrSessionNotFound, "no active session", "")
		return
	}
	var hdr protocol.ResizeHeader
	if err := f.DecodeHeader(&hdr); err != nil {
		cs.sendError(protocol.ErrMessageProcessing, "malformed resize", "")
		return
	}
	if err := cs.sess.Resize(hdr.Cols, hdr.Rows); err != nil {
		cs.sendError(protocol.ErrMessageProcessing, err.Error(), "")
	}
}

func (cs *clientStream) handleHeartbeat(f *protocol.Frame) {
	var hdr protocol.HeartbeatHeader
	if err := f.DecodeHeader(&hdr); err != nil {
		return
	}
	if cs.sess != nil {
		cs.sess.HandleHeartbeat(hdr)
		return
	}
	// No session yet: plain echo keeps the client's liveness check happy.
	buf, err := protocol.Encode(protocol.MsgHeartbeat, hdr, nil)
	if err == nil {
		_ = cs.stream.Send(buf)
	}
}

func (cs *clientStream) handleSFTP(f *protocol.Frame) {
	if cs.sess == nil || cs.engine == nil {
		cs.sendError(protocol.ErrSessionNotFound, "no active session", "")
		return
	}
	cs.engine.Handle(f)
}

func (cs *clientStream) sendError(code, msg, operationID string) {
	buf, err := protocol.Encode(protocol.MsgError, protocol.ErrorHeader{
		ErrorCode:    code,
		ErrorMessage: msg,
		OperationID:  operationID,
	}, nil)
	if err != nil {
		return
	}
	_ = cs.stream.Send(buf)
}

// teardown releases everything attached to this stream: transfers first so
// their handles close before the transport goes away, then the session, then
// the socket.
func (cs *clientStream) teardown(reason string) {
	if cs.engine != nil {
		cs.engine.Shutdown()
		cs.engine = nil
	}
	if cs.sess != nil {
		cs.gw.registry.Remove(cs.sess.ID)
		cs.sess.Close(reason)
		cs.sess = nil
	}
	cs.stream.Close()
}
