package session

import (
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/esshgate/esshgate/pkg/models"
	"github.com/esshgate/esshgate/pkg/protocol"
)

// ErrUnusableKey marks a key-auth descriptor whose private key cannot be
// parsed. Callers must not silently fall back to password auth.
var ErrUnusableKey = errors.New("private key is missing or unusable")

func buildClientConfig(desc *models.Connection, timeout time.Duration) (*ssh.ClientConfig, error) {
	cfg := &ssh.ClientConfig{
		User:            desc.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // NOTE: production should verify host key
		Timeout:         timeout,
	}

	useKey := desc.AuthType == models.AuthTypeKey || (desc.AuthType == "" && desc.PrivateKey != "")
	if useKey {
		if desc.PrivateKey == "" {
			return nil, ErrUnusableKey
		}
		signer, err := parsePrivateKey(desc.PrivateKey, desc.Passphrase)
		if err != nil {
			return nil, errors.Wrap(ErrUnusableKey, err.Error())
		}
		cfg.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
		return cfg, nil
	}

	cfg.Auth = []ssh.AuthMethod{ssh.Password(desc.Password)}
	return cfg, nil
}

func parsePrivateKey(keyData, passphrase string) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey([]byte(keyData))
	if err == nil {
		return signer, nil
	}
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase([]byte(keyData), []byte(passphrase))
	}
	return nil, err
}

func dialSSH(desc *models.Connection, timeout time.Duration) (*ssh.Client, error) {
	cfg, err := buildClientConfig(desc, timeout)
	if err != nil {
		return nil, err
	}
	port := desc.Port
	if port == 0 {
		port = 22
	}
	addr := fmt.Sprintf("%s:%d", desc.Host, port)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return client, nil
}

// ClassifyDialError maps a connect failure to its stable error code.
func ClassifyDialError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrUnusableKey) {
		return protocol.ErrAuthFailed
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return protocol.ErrConnectTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return protocol.ErrConnectRefused
	}
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return protocol.ErrHostUnreachable
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return protocol.ErrHostUnreachable
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"):
		return protocol.ErrAuthFailed
	case strings.Contains(msg, "i/o timeout"):
		return protocol.ErrConnectTimeout
	case strings.Contains(msg, "connection refused"):
		return protocol.ErrConnectRefused
	case strings.Contains(msg, "no route to host"), strings.Contains(msg, "network is unreachable"):
		return protocol.ErrHostUnreachable
	default:
		return protocol.ErrChannelOpenFailed
	}
}
