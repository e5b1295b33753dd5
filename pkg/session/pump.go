package session

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/esshgate/esshgate/pkg/protocol"
)

// Outbound batching window: flush when the pending buffer reaches batchBytes
// or batchDelay elapses, whichever is first. Ordering is preserved.
const (
	batchBytes = 16 * 1024
	batchDelay = 10 * time.Millisecond
)

// shell wraps one interactive PTY channel.
type shell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader

	writeMu sync.Mutex
	logger  *slog.Logger
}

func openShell(client *ssh.Client, cols, rows int, logger *slog.Logger) (*shell, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "new ssh session")
	}

	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	modes := ssh.TerminalModes{
		ssh.ECHO: 1,
	}
	if err := sess.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "request pty")
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "stdin pipe")
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "stdout pipe")
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "stderr pipe")
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "start shell")
	}

	return &shell{
		session: sess,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		logger:  logger,
	}, nil
}

func (sh *shell) Write(p []byte) error {
	sh.writeMu.Lock()
	defer sh.writeMu.Unlock()
	_, err := sh.stdin.Write(p)
	return err
}

func (sh *shell) Resize(cols, rows int) error {
	return sh.session.WindowChange(rows, cols)
}

func (sh *shell) Close() {
	_ = sh.stdin.Close()
	_ = sh.session.Close()
}

// startPump launches the outbound pump for one shell instance. Reads from
// stdout and stderr are merged, batched, and framed as SSH_DATA. When the
// client stream applies back-pressure past its window, the session errors
// with CLIENT_SLOW rather than dropping bytes.
func (s *Session) startPump(sh *shell) {
	readCh := make(chan []byte, 32)
	var readers sync.WaitGroup

	reader := func(r io.Reader) {
		defer readers.Done()
		buf := make([]byte, 32*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case readCh <- chunk:
				case <-s.closed:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}

	readers.Add(2)
	go reader(sh.stdout)
	go reader(sh.stderr)

	go func() {
		readers.Wait()
		close(readCh)
	}()

	go func() {
		var pending []byte
		flushTimer := time.NewTimer(batchDelay)
		flushTimer.Stop()

		flush := func() bool {
			if len(pending) == 0 {
				return true
			}
			buf, err := protocol.Encode(protocol.MsgSSHData, protocol.SessionHeader{SessionID: s.ID}, pending)
			if err != nil {
				s.logger.Error("encode shell frame", "error", err)
				pending = pending[:0]
				return true
			}
			if err := s.SendRaw(buf); err != nil {
				s.logger.Warn("client stream stalled", "error", err)
				s.fail(protocol.ErrClientSlow)
				return false
			}
			pending = pending[:0]
			return true
		}

		for {
			select {
			case <-s.closed:
				return
			case chunk, ok := <-readCh:
				if !ok {
					flush()
					return
				}
				if len(pending) == 0 {
					flushTimer.Reset(batchDelay)
				}
				pending = append(pending, chunk...)
				if len(pending) >= batchBytes {
					flushTimer.Stop()
					if !flush() {
						return
					}
				}
			case <-flushTimer.C:
				if !flush() {
					return
				}
			}
		}
	}()
}
