package session

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/esshgate/esshgate/pkg/event"
	"github.com/esshgate/esshgate/pkg/protocol"
)

// keepaliveLoop probes the client on a fixed interval and purges probes that
// were never answered.
func (s *Session) keepaliveLoop() {
	defer s.done.Done()

	ticker := time.NewTicker(s.cfg.KeepaliveInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if s.State() != StateConnected {
				continue
			}
			id := uuid.New().String()
			now := time.Now()

			s.pingMu.Lock()
			for rid, sent := range s.pings {
				if now.Sub(sent) > staleAfter {
					delete(s.pings, rid)
				}
			}
			s.pings[id] = now
			s.pingMu.Unlock()

			s.sendFrame(protocol.MsgHeartbeat, protocol.HeartbeatHeader{
				SessionID: s.ID,
				RequestID: id,
				Timestamp: now.UnixMilli(),
			}, nil)
		}
	}
}

// HandleHeartbeat processes an inbound HEARTBEAT frame. A frame answering an
// outstanding probe yields a NETWORK_LATENCY sample; anything else is a
// client-initiated ping and gets echoed with the server clock.
func (s *Session) HandleHeartbeat(hdr protocol.HeartbeatHeader) {
	if hdr.RequestID != "" {
		s.pingMu.Lock()
		sent, ok := s.pings[hdr.RequestID]
		if ok {
			delete(s.pings, hdr.RequestID)
		}
		s.pingMu.Unlock()

		if ok {
			local := time.Since(sent).Milliseconds()
			remote := s.remoteRTT()
			total := local + remote
			s.sendFrame(protocol.MsgNetworkLatency, protocol.LatencyHeader{
				SessionID:     s.ID,
				RemoteLatency: remote,
				LocalLatency:  local,
				TotalLatency:  total,
			}, nil)
			event.Emit(event.LatencySampledEvent{SessionID: s.ID, LatencyMs: total})
			c := event.Stats().Session(s.ID)
			c.LatencySamples.Add(1)
			c.LastLatencyMs.Store(total)
			return
		}
	}

	s.sendFrame(protocol.MsgHeartbeat, protocol.HeartbeatHeader{
		SessionID: s.ID,
		RequestID: hdr.RequestID,
		Timestamp: time.Now().UnixMilli(),
	}, nil)
}

// PendingProbes returns the number of unanswered heartbeat probes.
func (s *Session) PendingProbes() int {
	s.pingMu.Lock()
	defer s.pingMu.Unlock()
	return len(s.pings)
}

func (s *Session) setRemoteRTT(ms int64) {
	s.pingMu.Lock()
	s.remoteRTTMs = ms
	s.pingMu.Unlock()
}

// remoteRTT returns the last SSH keepalive round trip in milliseconds.
func (s *Session) remoteRTT() int64 {
	s.pingMu.Lock()
	defer s.pingMu.Unlock()
	return s.remoteRTTMs
}

// remoteKeepaliveLoop keeps the SSH transport warm with
// keepalive@openssh.com requests and records the round trip as the remote
// half of the latency split. It exits when the transport dies; the watchdog
// owns the reconnect decision.
func (s *Session) remoteKeepaliveLoop(client *ssh.Client) {
	defer s.done.Done()

	ticker := time.NewTicker(s.cfg.KeepaliveInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			start := time.Now()
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				s.logger.Debug("ssh keepalive failed", "error", err)
				return
			}
			s.setRemoteRTT(time.Since(start).Milliseconds())
		}
	}
}
