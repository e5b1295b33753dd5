package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig is read from a YAML file under the user's home directory.
// All fields are optional; defaults are applied by the accessor methods.
//
// Example (~/.esshgate/config.yaml):
//
// server:
//   host: 127.0.0.1
//   port: 8088
// auth:
//   token_ttl_sec: 172800
// ssh:
//   connect_timeout_ms: 10000
//   max_retry: 3
//   reconnect_delay_ms: 1000
//   keepalive_interval_ms: 15000
// sftp:
//   max_upload_size: 104857600
//   max_file_size: 104857600
//   max_folder_size: 524288000
//   compression_level: 6
//   transfer_timeout_ms: 300000
//   chunk_size: 1048576
//
// Every option can be overridden by an ESSHGATE_* environment variable
// (e.g. ESSHGATE_TOKEN_TTL_SEC). The vault key material is only read from
// the environment (ESSHGATE_SECRET_KEY), never from the file.

type AppConfig struct {
	Server ServerConfig `yaml:"server"`
	Auth   AuthConfig   `yaml:"auth"`
	SSH    SSHConfig    `yaml:"ssh"`
	SFTP   SFTPConfig   `yaml:"sftp"`
}

type ServerConfig struct {
	Host    *string `yaml:"host"`
	Port    *int    `yaml:"port"`
	DataDir *string `yaml:"data_dir"`
}

type AuthConfig struct {
	TokenTTLSec *int `yaml:"token_ttl_sec"`
}

type SSHConfig struct {
	ConnectTimeoutMs    *int `yaml:"connect_timeout_ms"`
	MaxRetry            *int `yaml:"max_retry"`
	ReconnectDelayMs    *int `yaml:"reconnect_delay_ms"`
	KeepaliveIntervalMs *int `yaml:"keepalive_interval_ms"`
}

type SFTPConfig struct {
	MaxUploadSize     *int64 `yaml:"max_upload_size"`
	MaxFileSize       *int64 `yaml:"max_file_size"`
	MaxFolderSize     *int64 `yaml:"max_folder_size"`
	CompressionLevel  *int   `yaml:"compression_level"`
	TransferTimeoutMs *int   `yaml:"transfer_timeout_ms"`
	ChunkSize         *int64 `yaml:"chunk_size"`
}

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8088

	DefaultTokenTTLSec         = 172800
	DefaultConnectTimeoutMs    = 10000
	DefaultMaxRetry            = 3
	DefaultReconnectDelayMs    = 1000
	DefaultKeepaliveIntervalMs = 15000

	DefaultMaxUploadSize     = 100 << 20
	DefaultMaxFileSize       = 100 << 20
	DefaultMaxFolderSize     = 500 << 20
	DefaultCompressionLevel  = 6
	DefaultTransferTimeoutMs = 300000
	DefaultChunkSize         = 1 << 20
)

// DefaultPaths returns the config dir and config file path.
func DefaultPaths() (configDir string, configFile string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("get user home dir: %w", err)
	}
	configDir = filepath.Join(home, ".esshgate")
	configFile = filepath.Join(configDir, "config.yaml")
	return configDir, configFile, nil
}

// Load reads ~/.esshgate/config.yaml.
// If the file doesn't exist, it returns a default config and nil error.
func Load() (*AppConfig, string, error) {
	_, configFile, err := DefaultPaths()
	if err != nil {
		return nil, "", err
	}

	cfg := &AppConfig{}

	b, err := os.ReadFile(configFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, configFile, nil
		}
		return nil, "", fmt.Errorf("read config file %s: %w", configFile, err)
	}

	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, "", fmt.Errorf("parse yaml config %s: %w", configFile, err)
	}

	// Validate
	host := cfg.Host()
	if strings.TrimSpace(host) == "" {
		return nil, "", fmt.Errorf("invalid server.host (empty) in %s", configFile)
	}

	port := cfg.Port()
	if port < 1 || port > 65535 {
		return nil, "", fmt.Errorf("invalid server.port %d in %s", port, configFile)
	}

	if lvl := cfg.CompressionLevel(); lvl < 0 || lvl > 9 {
		return nil, "", fmt.Errorf("invalid sftp.compression_level %d in %s", lvl, configFile)
	}

	return cfg, configFile, nil
}

// EnsureDefaultConfig writes a default config file if it doesn't already exist.
// It is safe to call on startup.
func EnsureDefaultConfig() (string, error) {
	configDir, configFile, err := DefaultPaths()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(configFile); err == nil {
		return configFile, nil
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", configDir, err)
	}

	defaultCfg := AppConfig{Server: ServerConfig{Host: ptr(DefaultHost), Port: ptr(DefaultPort)}}
	b, err := yaml.Marshal(&defaultCfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	// Write with restrictive permissions.
	if err := os.WriteFile(configFile, b, 0o600); err != nil {
		return "", fmt.Errorf("write default config file %s: %w", configFile, err)
	}

	return configFile, nil
}

func (c *AppConfig) Host() string {
	if v := envString("ESSHGATE_HOST"); v != "" {
		return v
	}
	if c == nil || c.Server.Host == nil {
		return DefaultHost
	}
	v := strings.TrimSpace(*c.Server.Host)
	if v == "" {
		return DefaultHost
	}
	return v
}

func (c *AppConfig) Port() int {
	if v, ok := envInt("ESSHGATE_PORT"); ok {
		return v
	}
	if c == nil || c.Server.Port == nil {
		return DefaultPort
	}
	return *c.Server.Port
}

// DataDir returns the directory holding the sqlite database.
func (c *AppConfig) DataDir() (string, error) {
	if v := envString("ESSHGATE_DATA_DIR"); v != "" {
		return v, nil
	}
	if c != nil && c.Server.DataDir != nil && strings.TrimSpace(*c.Server.DataDir) != "" {
		return *c.Server.DataDir, nil
	}
	dir, _, err := DefaultPaths()
	return dir, err
}

func (c *AppConfig) TokenTTL() time.Duration {
	return time.Duration(c.intOpt("ESSHGATE_TOKEN_TTL_SEC", authTTL(c), DefaultTokenTTLSec)) * time.Second
}

func (c *AppConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.intOpt("ESSHGATE_CONNECT_TIMEOUT_MS", sshOpt(c, func(s SSHConfig) *int { return s.ConnectTimeoutMs }), DefaultConnectTimeoutMs)) * time.Millisecond
}

func (c *AppConfig) MaxRetry() int {
	return c.intOpt("ESSHGATE_MAX_RETRY", sshOpt(c, func(s SSHConfig) *int { return s.MaxRetry }), DefaultMaxRetry)
}

func (c *AppConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.intOpt("ESSHGATE_RECONNECT_DELAY_MS", sshOpt(c, func(s SSHConfig) *int { return s.ReconnectDelayMs }), DefaultReconnectDelayMs)) * time.Millisecond
}

func (c *AppConfig) KeepaliveInterval() time.Duration {
	return time.Duration(c.intOpt("ESSHGATE_KEEPALIVE_INTERVAL_MS", sshOpt(c, func(s SSHConfig) *int { return s.KeepaliveIntervalMs }), DefaultKeepaliveIntervalMs)) * time.Millisecond
}

func (c *AppConfig) MaxUploadSize() int64 {
	return c.int64Opt("ESSHGATE_MAX_UPLOAD_SIZE", sftpOpt64(c, func(s SFTPConfig) *int64 { return s.MaxUploadSize }), DefaultMaxUploadSize)
}

func (c *AppConfig) MaxFileSize() int64 {
	return c.int64Opt("ESSHGATE_MAX_FILE_SIZE", sftpOpt64(c, func(s SFTPConfig) *int64 { return s.MaxFileSize }), DefaultMaxFileSize)
}

func (c *AppConfig) MaxFolderSize() int64 {
	return c.int64Opt("ESSHGATE_MAX_FOLDER_SIZE", sftpOpt64(c, func(s SFTPConfig) *int64 { return s.MaxFolderSize }), DefaultMaxFolderSize)
}

func (c *AppConfig) CompressionLevel() int {
	return c.intOpt("ESSHGATE_SFTP_COMPRESSION_LEVEL", sftpOpt(c, func(s SFTPConfig) *int { return s.CompressionLevel }), DefaultCompressionLevel)
}

func (c *AppConfig) TransferTimeout() time.Duration {
	return time.Duration(c.intOpt("ESSHGATE_SFTP_TRANSFER_TIMEOUT_MS", sftpOpt(c, func(s SFTPConfig) *int { return s.TransferTimeoutMs }), DefaultTransferTimeoutMs)) * time.Millisecond
}

func (c *AppConfig) ChunkSize() int64 {
	return c.int64Opt("ESSHGATE_SFTP_CHUNK_SIZE", sftpOpt64(c, func(s SFTPConfig) *int64 { return s.ChunkSize }), DefaultChunkSize)
}

// SecretKey returns the operator-supplied vault key material.
func (c *AppConfig) SecretKey() string {
	return os.Getenv("ESSHGATE_SECRET_KEY")
}

func authTTL(c *AppConfig) *int {
	if c == nil {
		return nil
	}
	return c.Auth.TokenTTLSec
}

func sshOpt(c *AppConfig, f func(SSHConfig) *int) *int {
	if c == nil {
		return nil
	}
	return f(c.SSH)
}

func sftpOpt(c *AppConfig, f func(SFTPConfig) *int) *int {
	if c == nil {
		return nil
	}
	return f(c.SFTP)
}

func sftpOpt64(c *AppConfig, f func(SFTPConfig) *int64) *int64 {
	if c == nil {
		return nil
	}
	return f(c.SFTP)
}

func (c *AppConfig) intOpt(env string, file *int, def int) int {
	if v, ok := envInt(env); ok {
		return v
	}
	if file != nil {
		return *file
	}
	return def
}

func (c *AppConfig) int64Opt(env string, file *int64, def int64) int64 {
	if v, ok := envInt64(env); ok {
		return v
	}
	if file != nil {
		return *file
	}
	return def
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envInt(key string) (int, bool) {
	v := envString(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt64(key string) (int64, bool) {
	v := envString(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func ptr[T any](v T) *T { return &v }
