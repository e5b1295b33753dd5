package service

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/esshgate/esshgate/pkg/models"
	"github.com/esshgate/esshgate/pkg/utils"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrAccountDisabled    = errors.New("account is disabled")
	ErrUsernameTaken      = errors.New("username is already taken")
	ErrEmailTaken         = errors.New("email is already registered")
	ErrUserNotFound       = errors.New("user not found")
	ErrMFARequired        = errors.New("mfa code required")
	ErrMFAInvalid         = errors.New("mfa code invalid")
	ErrMFANotConfigured   = errors.New("mfa is not configured")
)

const totpIssuer = "esshgate"

// UserService owns principal registration, login, and MFA management.
type UserService struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewUserService(db *gorm.DB) *UserService {
	return &UserService{db: db, logger: utils.GetLogger()}
}

// Register creates a principal. The very first registered principal becomes
// admin; the decision runs inside an exclusive transaction so two concurrent
// first registrations cannot both win.
func (s *UserService) Register(req *models.RegisterRequest) (*models.Principal, error) {
	if req.Username == "" || req.Password == "" {
		return nil, ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &models.Principal{
		ID:           uuid.New().String(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		Status:       models.PrincipalStatusActive,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Principal{}).Count(&count).Error; err != nil {
			return err
		}
		user.IsAdmin = count == 0

		var existing models.Principal
		err := tx.Where("username = ?", req.Username).First(&existing).Error
		if err == nil {
			return ErrUsernameTaken
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		// At most one principal per non-empty email.
		if req.Email != "" {
			err = tx.Where("email = ?", req.Email).First(&existing).Error
			if err == nil {
				return ErrEmailTaken
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		return tx.Create(user).Error
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("principal registered", "username", user.Username, "admin", user.IsAdmin)
	return user, nil
}

// LoginResult is what a successful (or MFA-pending) login yields.
type LoginResult struct {
	User        *models.Principal
	MFARequired bool
}

// Login verifies credentials and the MFA state machine. When the principal
// has MFA enabled, the first call (password only) returns MFARequired; the
// follow-up call carries IsMfaVerification and the code.
func (s *UserService) Login(req *models.LoginRequest) (*LoginResult, error) {
	var user models.Principal
	if err := s.db.Where("username = ?", req.Username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if user.Status == models.PrincipalStatusDisabled {
		return nil, ErrAccountDisabled
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	if user.MFAEnabled {
		if !req.IsMfaVerification {
			return &LoginResult{User: &user, MFARequired: true}, nil
		}
		if !totp.Validate(req.MfaCode, user.MFASecret) {
			return nil, ErrMFAInvalid
		}
	}

	now := time.Now()
	if err := s.db.Model(&user).Update("last_login_at", now).Error; err != nil {
		s.logger.Warn("update last login failed", "username", user.Username, "error", err)
	}
	user.LastLoginAt = &now

	return &LoginResult{User: &user}, nil
}

// GenerateMFASecret provisions a fresh TOTP secret for the principal and
// returns the otpauth URL for enrolment. The secret stays pending until
// EnableMFA confirms a valid code.
func (s *UserService) GenerateMFASecret(principalID string) (secret, url string, err error) {
	user, err := s.byID(principalID)
	if err != nil {
		return "", "", err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      totpIssuer,
		AccountName: user.Username,
	})
	if err != nil {
		return "", "", err
	}

	if err := s.db.Model(user).Update("mfa_secret", key.Secret()).Error; err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// EnableMFA turns MFA on after the principal proves possession of the secret.
func (s *UserService) EnableMFA(principalID, code string) error {
	user, err := s.byID(principalID)
	if err != nil {
		return err
	}
	if user.MFASecret == "" {
		return ErrMFANotConfigured
	}
	if !totp.Validate(code, user.MFASecret) {
		return ErrMFAInvalid
	}
	return s.db.Model(user).Update("mfa_enabled", true).Error
}

// DisableMFA turns MFA off; it requires a currently valid code.
func (s *UserService) DisableMFA(principalID, code string) error {
	user, err := s.byID(principalID)
	if err != nil {
		return err
	}
	if !user.MFAEnabled {
		return ErrMFANotConfigured
	}
	if !totp.Validate(code, user.MFASecret) {
		return ErrMFAInvalid
	}
	return s.db.Model(user).Updates(map[string]interface{}{
		"mfa_enabled": false,
		"mfa_secret":  "",
	}).Error
}

// Get returns one principal by ID.
func (s *UserService) Get(principalID string) (*models.Principal, error) {
	return s.byID(principalID)
}

func (s *UserService) byID(principalID string) (*models.Principal, error) {
	var user models.Principal
	if err := s.db.First(&user, "id = ?", principalID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}
