package models

import (
	"fmt"
	"time"
)

// AuthType SSH authentication type
type AuthType string

const (
	AuthTypePassword AuthType = "password"
	AuthTypeKey      AuthType = "key"
)

// Connection is a stored SSH connection descriptor owned by one principal.
//
// Secret fields (Password, PrivateKey, Passphrase) are encrypted at rest by
// the vault; plaintext exists in memory only between decrypt and the SSH
// handshake.
type Connection struct {
	ID               string    `json:"id" gorm:"primaryKey;size:36"`
	OwnerID          string    `json:"owner_id" gorm:"index;size:36;not null"`
	Name             string    `json:"name" gorm:"size:128;not null"`
	Host             string    `json:"host" gorm:"size:255;not null"`
	Port             int       `json:"port" gorm:"default:22"`
	Username         string    `json:"username" gorm:"size:64;not null"`
	AuthType         AuthType  `json:"auth_type" gorm:"size:16;default:'password'"`
	Password         string    `json:"password,omitempty" gorm:"column:password_enc;size:2048"`
	PrivateKey       string    `json:"private_key,omitempty" gorm:"column:private_key_enc;size:16384"`
	Passphrase       string    `json:"passphrase,omitempty" gorm:"column:passphrase_enc;size:2048"`
	RememberPassword bool      `json:"remember_password"`
	Description      string    `json:"description" gorm:"size:512"`
	Group            string    `json:"group" gorm:"column:grp;size:64"`
	ConfigJSON       string    `json:"config_json,omitempty" gorm:"size:4096"`
	SortOrder        int       `json:"sort_order"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (Connection) TableName() string {
	return "connections"
}

// Validate checks the descriptor before persisting.
func (c *Connection) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535")
	}
	switch c.AuthType {
	case "", AuthTypePassword, AuthTypeKey:
	default:
		return fmt.Errorf("auth_type must be password or key")
	}
	return nil
}

// ConnectionFavorite marks a connection as a favorite of its owner.
type ConnectionFavorite struct {
	ID           uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	PrincipalID  string    `json:"principal_id" gorm:"index;size:36;not null"`
	ConnectionID string    `json:"connection_id" gorm:"index;size:36;not null"`
	CreatedAt    time.Time `json:"created_at"`
}

func (ConnectionFavorite) TableName() string {
	return "connection_favorites"
}

// ConnectionHistory is an append-only log of connects, trimmed to the most
// recent 20 per principal. Entries carry a snapshot of the target so they
// survive deletion of the descriptor.
type ConnectionHistory struct {
	ID           uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	PrincipalID  string    `json:"principal_id" gorm:"index;size:36;not null"`
	ConnectionID string    `json:"connection_id" gorm:"size:36"`
	Name         string    `json:"name" gorm:"size:128"`
	Host         string    `json:"host" gorm:"size:255"`
	Port         int       `json:"port"`
	Username     string    `json:"username" gorm:"size:64"`
	ConnectedAt  time.Time `json:"connected_at"`
}

func (ConnectionHistory) TableName() string {
	return "connection_history"
}

// ConnectionPinned pins a connection to the top of the owner's list.
type ConnectionPinned struct {
	ID           uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	PrincipalID  string    `json:"principal_id" gorm:"index;size:36;not null"`
	ConnectionID string    `json:"connection_id" gorm:"index;size:36;not null"`
	CreatedAt    time.Time `json:"created_at"`
}

func (ConnectionPinned) TableName() string {
	return "connection_pinned"
}

// CreateConnectionRequest create descriptor request
type CreateConnectionRequest struct {
	Name             string   `json:"name" binding:"required"`
	Host             string   `json:"host" binding:"required"`
	Port             int      `json:"port"`
	Username         string   `json:"username" binding:"required"`
	AuthType         AuthType `json:"auth_type"`
	Password         string   `json:"password"`
	PrivateKey       string   `json:"private_key"`
	Passphrase       string   `json:"passphrase"`
	RememberPassword bool     `json:"remember_password"`
	Description      string   `json:"description"`
	Group            string   `json:"group"`
	ConfigJSON       string   `json:"config_json"`
}

// UpdateConnectionRequest update descriptor request; nil fields are untouched
type UpdateConnectionRequest struct {
	Name             *string   `json:"name"`
	Host             *string   `json:"host"`
	Port             *int      `json:"port"`
	Username         *string   `json:"username"`
	AuthType         *AuthType `json:"auth_type"`
	Password         *string   `json:"password"`
	PrivateKey       *string   `json:"private_key"`
	Passphrase       *string   `json:"passphrase"`
	RememberPassword *bool     `json:"remember_password"`
	Description      *string   `json:"description"`
	Group            *string   `json:"group"`
	ConfigJSON       *string   `json:"config_json"`
}

// SortOrderRequest reorders connections for the owner.
type SortOrderRequest struct {
	IDs []string `json:"ids" binding:"required"`
}
