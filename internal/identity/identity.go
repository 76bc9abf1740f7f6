// Package identity generates the per-session device identity and
// signs/verifies the lightweight claims peers exchange when a data
// channel opens. A peer whose signed claim verifies becomes trusted;
// later claims from the same device must be signed by the same key.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mesh/internal/domain"
)

var (
	ErrBadSignature = errors.New("claim signature invalid")
	ErrKeyMismatch  = errors.New("claim public key differs from pinned key")
	ErrBadClaim     = errors.New("claim incomplete")
)

// Claim is the statement a peer signs: "this device, under this alias,
// is in this room at this time". Timestamp is unix millis.
type Claim struct {
	DeviceID  domain.DeviceID `json:"deviceId"`
	Alias     string          `json:"alias"`
	RoomID    domain.RoomID   `json:"roomId"`
	Timestamp int64           `json:"timestamp"`
}

// SignedClaim carries the claim together with the signer's public key
// and an Ed25519 signature over the claim's canonical bytes.
type SignedClaim struct {
	Claim     Claim  `json:"claim"`
	PublicKey []byte `json:"publicKey"`
	Signature []byte `json:"signature"`
}

// Manager owns the session keypair and the trusted peer set.
type Manager struct {
	mu      sync.RWMutex
	self    domain.DeviceIdentity
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	pinned  map[domain.DeviceID]ed25519.PublicKey
	trusted map[domain.DeviceID]bool
}

// New creates a fresh identity. alias may be empty, in which case a
// random anonymous one is assigned.
func New(alias string) (*Manager, error) {
	self, err := domain.NewDeviceIdentity(alias)
	if err != nil {
		return nil, err
	}
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	log.Info().Str("module", "identity").Str("device", string(self.ID)).Str("alias", self.DisplayAlias).Msg("session identity created")
	return &Manager{
		self:    self,
		private: private,
		public:  public,
		pinned:  make(map[domain.DeviceID]ed25519.PublicKey),
		trusted: make(map[domain.DeviceID]bool),
	}, nil
}

func (m *Manager) Self() domain.DeviceIdentity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.self
}

func (m *Manager) SetAlias(alias string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self.SetAlias(alias)
}

// Sign produces a signed claim for the given room and timestamp.
func (m *Manager) Sign(roomID domain.RoomID, timestamp int64) SignedClaim {
	m.mu.RLock()
	defer m.mu.RUnlock()
	claim := Claim{
		DeviceID:  m.self.ID,
		Alias:     m.self.DisplayAlias,
		RoomID:    roomID,
		Timestamp: timestamp,
	}
	return SignedClaim{
		Claim:     claim,
		PublicKey: append([]byte(nil), m.public...),
		Signature: ed25519.Sign(m.private, claimMessage(claim)),
	}
}

// Verify checks a peer's signed claim. The first verified claim pins the
// peer's key; a later claim under a different key is rejected, which
// blocks impersonation by anyone who can only see the signaling channel.
// On success the peer is marked trusted.
func (m *Manager) Verify(sc SignedClaim) error {
	if sc.Claim.DeviceID == "" || len(sc.PublicKey) != ed25519.PublicKeySize || len(sc.Signature) != ed25519.SignatureSize {
		return ErrBadClaim
	}
	if !ed25519.Verify(ed25519.PublicKey(sc.PublicKey), claimMessage(sc.Claim), sc.Signature) {
		return fmt.Errorf("%w: device %s", ErrBadSignature, sc.Claim.DeviceID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if pinned, ok := m.pinned[sc.Claim.DeviceID]; ok {
		if !bytes.Equal(pinned, sc.PublicKey) {
			return fmt.Errorf("%w: device %s", ErrKeyMismatch, sc.Claim.DeviceID)
		}
	} else {
		m.pinned[sc.Claim.DeviceID] = append(ed25519.PublicKey(nil), sc.PublicKey...)
	}
	m.trusted[sc.Claim.DeviceID] = true
	return nil
}

func (m *Manager) Trusted(id domain.DeviceID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trusted[id]
}

// Forget drops a departed peer's trust. The pinned key is kept so a
// returning device must still present the same key.
func (m *Manager) Forget(id domain.DeviceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trusted, id)
}

// claimMessage builds the canonical byte string that gets signed. Field
// order is fixed; a signature over one claim cannot be replayed as a
// different one.
func claimMessage(c Claim) []byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, c.DeviceID...)
	buf = append(buf, 0)
	buf = append(buf, c.Alias...)
	buf = append(buf, 0)
	buf = append(buf, c.RoomID...)
	buf = append(buf, 0)
	buf = strconv.AppendInt(buf, c.Timestamp, 10)
	return buf
}
