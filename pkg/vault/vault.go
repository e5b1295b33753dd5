// Package vault keeps SSH credentials encrypted at rest.
//
// Each secret field is sealed independently with AES-256-GCM under a key
// derived from operator-supplied material. Plaintext exists in memory only
// between Decrypt and the SSH handshake; the vault never logs it.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/esshgate/esshgate/pkg/models"
	"golang.org/x/crypto/scrypt"
)

// Direction selects the transform applied by ProcessConnectionSecrets.
type Direction int

const (
	Encrypt Direction = iota
	Decrypt
)

// kdfSalt is a fixed application salt: the key material itself is the
// secret, the salt only separates esshgate keys from other scrypt users
// of the same material.
var kdfSalt = []byte("esshgate.vault.v1")

type Vault struct {
	aead cipher.AEAD
}

// New derives the process key from keyMaterial and constructs the vault.
func New(keyMaterial string) (*Vault, error) {
	if keyMaterial == "" {
		return nil, fmt.Errorf("vault key material is empty (set ESSHGATE_SECRET_KEY)")
	}
	key, err := scrypt.Key([]byte(keyMaterial), kdfSalt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plain under a fresh random nonce. The result is
// base64(nonce || ciphertext).
func (v *Vault) Encrypt(plain []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, plain, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any tampering or wrong key fails authentication.
func (v *Vault) Decrypt(opaque string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(opaque)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns {
		return nil, fmt.Errorf("ciphertext too short")
	}
	plain, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plain, nil
}

// ProcessConnectionSecrets transforms the secret fields of a descriptor in
// place. A failure on any field aborts the whole descriptor: the caller must
// never attempt an SSH connection with a partially decrypted credential set.
func (v *Vault) ProcessConnectionSecrets(conn *models.Connection, dir Direction) error {
	fields := []struct {
		name string
		ref  *string
	}{
		{"password", &conn.Password},
		{"private_key", &conn.PrivateKey},
		{"passphrase", &conn.Passphrase},
	}

	for _, f := range fields {
		if *f.ref == "" {
			continue
		}
		switch dir {
		case Encrypt:
			out, err := v.Encrypt([]byte(*f.ref))
			if err != nil {
				return fmt.Errorf("encrypt %s: %w", f.name, err)
			}
			*f.ref = out
		case Decrypt:
			out, err := v.Decrypt(*f.ref)
			if err != nil {
				return fmt.Errorf("decrypt %s: %w", f.name, err)
			}
			*f.ref = string(out)
		}
	}
	return nil
}
