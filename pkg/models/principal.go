package models

import "time"

// PrincipalStatus account status enum
type PrincipalStatus string

const (
	PrincipalStatusActive   PrincipalStatus = "active"
	PrincipalStatusDisabled PrincipalStatus = "disabled"
)

// Principal represents an authenticated user account.
//
// Invariants: at most one principal per username and per non-empty email;
// the first successful registration becomes the admin (enforced inside an
// exclusive transaction, see service.UserService.Register).
type Principal struct {
	ID           string          `json:"id" gorm:"primaryKey;size:36"`
	Username     string          `json:"username" gorm:"uniqueIndex;size:64;not null"`
	Email        string          `json:"email,omitempty" gorm:"size:128"`
	PasswordHash string          `json:"-" gorm:"size:128;not null"`
	Status       PrincipalStatus `json:"status" gorm:"size:16;default:'active'"`
	IsAdmin      bool            `json:"is_admin"`
	MFAEnabled   bool            `json:"mfa_enabled"`
	MFASecret    string          `json:"-" gorm:"size:64"`
	LastLoginAt  *time.Time      `json:"last_login_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (Principal) TableName() string {
	return "principals"
}

// RegisterRequest register a new principal
type RegisterRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Email    string `json:"email"`
}

// LoginRequest password login or MFA verification
type LoginRequest struct {
	Username          string `json:"username"`
	Password          string `json:"password"`
	IsMfaVerification bool   `json:"isMfaVerification"`
	MfaCode           string `json:"mfaCode"`
	Operation         string `json:"operation"` // verify (default), enable, disable
}

// Response is the uniform HTTP response shape.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}
