package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// sendWindow bounds how long a producer may block on a full outbound queue
// before the client is declared too slow.
const sendWindow = 5 * time.Second

const writeDeadline = 10 * time.Second

// wsConn is the slice of *websocket.Conn the stream writer needs; tests
// substitute a fake.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// stream serializes all outbound frames of one websocket through a single
// writer goroutine, preserving frame boundaries and enqueue order.
type stream struct {
	conn wsConn
	ch   chan []byte

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

func newStream(conn wsConn) *stream {
	s := &stream{
		conn:   conn,
		ch:     make(chan []byte, 256),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *stream) writeLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.closed:
			// Drain what is already queued before the socket goes away.
			for {
				select {
				case frame := <-s.ch:
					_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
					if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
						return
					}
				default:
					return
				}
			}
		case frame := <-s.ch:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.Close()
				return
			}
		}
	}
}

// Send queues one frame. It blocks up to sendWindow under back-pressure and
// fails when the window elapses or the stream is closed.
func (s *stream) Send(frame []byte) error {
	select {
	case <-s.closed:
		return errors.New("stream is closed")
	default:
	}

	timer := time.NewTimer(sendWindow)
	defer timer.Stop()

	select {
	case s.ch <- frame:
		return nil
	case <-s.closed:
		return errors.New("stream is closed")
	case <-timer.C:
		return errors.New("client send buffer full")
	}
}

// Close stops the writer and releases the socket. Safe to call repeatedly.
func (s *stream) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		go func() {
			<-s.done
			_ = s.conn.Close()
		}()
	})
}
