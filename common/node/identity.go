package node

import (
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
	"github.com/oasisprotocol/ed25519"
)

// Identity is the local node's per-process identity: a fresh ID and an
// ed25519 keypair used to sign node acks (see cluster/ack). Neither is
// persisted across restarts, so peer fault detectors treat a restarted
// process as a brand-new node (spec §6, §4.7).
type Identity struct {
	ID         string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateIdentity produces a fresh local identity. It must be called
// exactly once per process start, never reused across restarts.
func GenerateIdentity() (*Identity, error) {
	var seed [12]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("node: failed to read random seed: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("node: failed to generate signing key: %w", err)
	}

	return &Identity{
		ID:         base58.Encode(seed[:]),
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// SignAck signs an ack payload (typically the target metadata version and
// node ID) so that cluster/executor's DeliverNodeAck can reject forged
// acks before they reach the ack coordinator.
func (id *Identity) SignAck(payload []byte) []byte {
	return ed25519.Sign(id.PrivateKey, payload)
}

// VerifyAck verifies a signature produced by SignAck against pub.
func VerifyAck(pub ed25519.PublicKey, payload, sig []byte) bool {
	return ed25519.Verify(pub, payload, sig)
}
