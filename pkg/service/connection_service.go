package service

import (
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/esshgate/esshgate/pkg/models"
	"github.com/esshgate/esshgate/pkg/utils"
	"github.com/esshgate/esshgate/pkg/vault"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrNotOwner           = errors.New("connection belongs to another principal")
)

// historyLimit caps per-principal history entries; older rows are trimmed.
const historyLimit = 20

// ConnectionService owns the stored connection descriptors and their
// favorites, history, and pinned side tables. Secrets are encrypted through
// the vault before any row reaches the store.
type ConnectionService struct {
	db     *gorm.DB
	vault  *vault.Vault
	logger *slog.Logger
}

func NewConnectionService(db *gorm.DB, v *vault.Vault) *ConnectionService {
	return &ConnectionService{db: db, vault: v, logger: utils.GetLogger()}
}

// List returns the principal's connections ordered by sort order, then name.
// Secret fields are cleared; listing never needs them.
func (s *ConnectionService) List(ownerID string) ([]models.Connection, error) {
	var conns []models.Connection
	err := s.db.Where("owner_id = ?", ownerID).
		Order("sort_order asc, name asc").
		Find(&conns).Error
	if err != nil {
		return nil, err
	}
	for i := range conns {
		scrubSecrets(&conns[i])
	}
	return conns, nil
}

// Get returns one connection with secrets scrubbed.
func (s *ConnectionService) Get(ownerID, id string) (*models.Connection, error) {
	conn, err := s.owned(ownerID, id)
	if err != nil {
		return nil, err
	}
	scrubSecrets(conn)
	return conn, nil
}

// Staged returns one owned connection with its secrets still encrypted, for
// staging a pending connect. Decryption only happens in the gateway right
// before the SSH dial; ciphertext is all that ever sits in the pending cache.
func (s *ConnectionService) Staged(ownerID, id string) (*models.Connection, error) {
	return s.owned(ownerID, id)
}

// Create validates, encrypts, and stores a new descriptor.
func (s *ConnectionService) Create(ownerID string, req *models.CreateConnectionRequest) (*models.Connection, error) {
	conn := &models.Connection{
		ID:               uuid.New().String(),
		OwnerID:          ownerID,
		Name:             req.Name,
		Host:             req.Host,
		Port:             req.Port,
		Username:         req.Username,
		AuthType:         req.AuthType,
		Password:         req.Password,
		PrivateKey:       req.PrivateKey,
		Passphrase:       req.Passphrase,
		RememberPassword: req.RememberPassword,
		Description:      req.Description,
		Group:            req.Group,
		ConfigJSON:       req.ConfigJSON,
	}
	if conn.Port == 0 {
		conn.Port = 22
	}
	if conn.AuthType == "" {
		conn.AuthType = models.AuthTypePassword
	}
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	if !conn.RememberPassword {
		conn.Password = ""
	}
	if err := s.vault.ProcessConnectionSecrets(conn, vault.Encrypt); err != nil {
		return nil, err
	}
	if err := s.db.Create(conn).Error; err != nil {
		return nil, err
	}

	s.logger.Info("connection created", "id", conn.ID, "host", conn.Host)
	out := *conn
	scrubSecrets(&out)
	return &out, nil
}

// Update applies a partial update. Secret fields are re-encrypted only when
// the request carries replacements.
func (s *ConnectionService) Update(ownerID, id string, req *models.UpdateConnectionRequest) (*models.Connection, error) {
	conn, err := s.owned(ownerID, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		conn.Name = *req.Name
	}
	if req.Host != nil {
		conn.Host = *req.Host
	}
	if req.Port != nil {
		conn.Port = *req.Port
	}
	if req.Username != nil {
		conn.Username = *req.Username
	}
	if req.AuthType != nil {
		conn.AuthType = *req.AuthType
	}
	if req.Description != nil {
		conn.Description = *req.Description
	}
	if req.Group != nil {
		conn.Group = *req.Group
	}
	if req.ConfigJSON != nil {
		conn.ConfigJSON = *req.ConfigJSON
	}
	if req.RememberPassword != nil {
		conn.RememberPassword = *req.RememberPassword
	}
	if err := conn.Validate(); err != nil {
		return nil, err
	}

	secrets := &models.Connection{}
	if req.Password != nil {
		secrets.Password = *req.Password
	}
	if req.PrivateKey != nil {
		secrets.PrivateKey = *req.PrivateKey
	}
	if req.Passphrase != nil {
		secrets.Passphrase = *req.Passphrase
	}
	if err := s.vault.ProcessConnectionSecrets(secrets, vault.Encrypt); err != nil {
		return nil, err
	}
	if req.Password != nil {
		conn.Password = secrets.Password
	}
	if req.PrivateKey != nil {
		conn.PrivateKey = secrets.PrivateKey
	}
	if req.Passphrase != nil {
		conn.Passphrase = secrets.Passphrase
	}
	if !conn.RememberPassword {
		conn.Password = ""
	}

	if err := s.db.Save(conn).Error; err != nil {
		return nil, err
	}
	out := *conn
	scrubSecrets(&out)
	return &out, nil
}

// Delete removes a connection and its favorite/pinned rows.
func (s *ConnectionService) Delete(ownerID, id string) error {
	conn, err := s.owned(ownerID, id)
	if err != nil {
		return err
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("connection_id = ?", id).Delete(&models.ConnectionFavorite{}).Error; err != nil {
			return err
		}
		if err := tx.Where("connection_id = ?", id).Delete(&models.ConnectionPinned{}).Error; err != nil {
			return err
		}
		return tx.Delete(conn).Error
	})
}

// UpdateSortOrder persists a client-supplied ordering.
func (s *ConnectionService) UpdateSortOrder(ownerID string, req *models.SortOrderRequest) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for i, id := range req.IDs {
			res := tx.Model(&models.Connection{}).
				Where("id = ? AND owner_id = ?", id, ownerID).
				Update("sort_order", i)
			if res.Error != nil {
				return res.Error
			}
		}
		return nil
	})
}

// Favorite marks a connection as a favorite; idempotent.
func (s *ConnectionService) Favorite(ownerID, id string) error {
	if _, err := s.owned(ownerID, id); err != nil {
		return err
	}
	var existing models.ConnectionFavorite
	err := s.db.Where("principal_id = ? AND connection_id = ?", ownerID, id).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return s.db.Create(&models.ConnectionFavorite{PrincipalID: ownerID, ConnectionID: id}).Error
}

// Unfavorite removes the favorite mark.
func (s *ConnectionService) Unfavorite(ownerID, id string) error {
	return s.db.Where("principal_id = ? AND connection_id = ?", ownerID, id).
		Delete(&models.ConnectionFavorite{}).Error
}

// Favorites lists the principal's favorite connection IDs.
func (s *ConnectionService) Favorites(ownerID string) ([]string, error) {
	var favs []models.ConnectionFavorite
	if err := s.db.Where("principal_id = ?", ownerID).Find(&favs).Error; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(favs))
	for _, f := range favs {
		ids = append(ids, f.ConnectionID)
	}
	return ids, nil
}

// Pin pins a connection; idempotent.
func (s *ConnectionService) Pin(ownerID, id string) error {
	if _, err := s.owned(ownerID, id); err != nil {
		return err
	}
	var existing models.ConnectionPinned
	err := s.db.Where("principal_id = ? AND connection_id = ?", ownerID, id).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return s.db.Create(&models.ConnectionPinned{PrincipalID: ownerID, ConnectionID: id}).Error
}

// Unpin removes the pin.
func (s *ConnectionService) Unpin(ownerID, id string) error {
	return s.db.Where("principal_id = ? AND connection_id = ?", ownerID, id).
		Delete(&models.ConnectionPinned{}).Error
}

// Pinned lists the principal's pinned connection IDs.
func (s *ConnectionService) Pinned(ownerID string) ([]string, error) {
	var pins []models.ConnectionPinned
	if err := s.db.Where("principal_id = ?", ownerID).Find(&pins).Error; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(pins))
	for _, p := range pins {
		ids = append(ids, p.ConnectionID)
	}
	return ids, nil
}

// RecordHistory appends a connect snapshot and trims the principal's log to
// the most recent entries. Snapshots survive descriptor deletion.
func (s *ConnectionService) RecordHistory(ownerID string, conn *models.Connection) error {
	entry := &models.ConnectionHistory{
		PrincipalID:  ownerID,
		ConnectionID: conn.ID,
		Name:         conn.Name,
		Host:         conn.Host,
		Port:         conn.Port,
		Username:     conn.Username,
		ConnectedAt:  time.Now(),
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		var count int64
		if err := tx.Model(&models.ConnectionHistory{}).
			Where("principal_id = ?", ownerID).Count(&count).Error; err != nil {
			return err
		}
		if count <= historyLimit {
			return nil
		}
		var stale []models.ConnectionHistory
		if err := tx.Where("principal_id = ?", ownerID).
			Order("id asc").Limit(int(count) - historyLimit).
			Find(&stale).Error; err != nil {
			return err
		}
		if len(stale) == 0 {
			return nil
		}
		ids := make([]uint, 0, len(stale))
		for _, h := range stale {
			ids = append(ids, h.ID)
		}
		return tx.Where("id IN ?", ids).Delete(&models.ConnectionHistory{}).Error
	})
}

// History lists the principal's history, newest first.
func (s *ConnectionService) History(ownerID string) ([]models.ConnectionHistory, error) {
	var entries []models.ConnectionHistory
	err := s.db.Where("principal_id = ?", ownerID).Order("id desc").Find(&entries).Error
	return entries, err
}

// DeleteHistoryEntry removes a single history entry owned by the principal.
func (s *ConnectionService) DeleteHistoryEntry(ownerID string, entryID uint) error {
	res := s.db.Where("id = ? AND principal_id = ?", entryID, ownerID).
		Delete(&models.ConnectionHistory{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// ClearHistory drops the principal's history log.
func (s *ConnectionService) ClearHistory(ownerID string) error {
	return s.db.Where("principal_id = ?", ownerID).Delete(&models.ConnectionHistory{}).Error
}

func (s *ConnectionService) owned(ownerID, id string) (*models.Connection, error) {
	var conn models.Connection
	if err := s.db.First(&conn, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}
	if conn.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	return &conn, nil
}

func scrubSecrets(c *models.Connection) {
	c.Password = ""
	c.PrivateKey = ""
	c.Passphrase = ""
}
