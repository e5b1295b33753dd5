package token

import (
	"time"

	"github.com/esshgate/esshgate/pkg/models"
	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
)

// Pending connections bridge the HTTP layer and the first stream frame so
// full credentials never ride in the websocket upgrade URL. The HTTP layer
// stores the resolved descriptor here and hands the client an opaque key;
// the HANDSHAKE frame consumes it.
const pendingTTL = 30 * time.Minute

type PendingConnections struct {
	store *cache.Cache
}

func NewPendingConnections() *PendingConnections {
	return &PendingConnections{store: cache.New(pendingTTL, 5*time.Minute)}
}

// Put stores a descriptor and returns the connection key.
func (p *PendingConnections) Put(conn *models.Connection) string {
	id := uuid.New().String()
	p.store.Set(id, conn, pendingTTL)
	return id
}

// Take consumes a pending descriptor. Each key is single-use.
func (p *PendingConnections) Take(id string) (*models.Connection, bool) {
	v, found := p.store.Get(id)
	if !found {
		return nil, false
	}
	p.store.Delete(id)
	return v.(*models.Connection), true
}

// Peek returns the descriptor without consuming it (used for reconnects
// inside an already-authenticated session).
func (p *PendingConnections) Peek(id string) (*models.Connection, bool) {
	v, found := p.store.Get(id)
	if !found {
		return nil, false
	}
	return v.(*models.Connection), true
}
