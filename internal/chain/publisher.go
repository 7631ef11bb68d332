package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"anchorline/internal/config"
	"anchorline/internal/domain"
)

// Publisher executes one approved action against its target chain and returns
// the transaction hash. Implementations must be idempotent per action: an
// action that already carries a tx hash is never submitted a second time.
type Publisher interface {
	Publish(ctx context.Context, a domain.Action, chain config.ChainConfig) (string, error)
}

// PlaceholderPublisher synthesizes deterministic transaction hashes without
// any network I/O, so the queue, reconciliation, and admin UI can be exercised
// without funds or live chain access.
type PlaceholderPublisher struct{}

func (PlaceholderPublisher) Publish(_ context.Context, a domain.Action, _ config.ChainConfig) (string, error) {
	if a.TxHash != nil && *a.TxHash != "" {
		return *a.TxHash, nil
	}
	return SyntheticTxHash(a.ID), nil
}

// SyntheticTxHash derives a 32-byte hex hash from the action id. Deterministic
// so a retried placeholder publish yields the same hash.
func SyntheticTxHash(actionID string) string {
	sum := sha256.Sum256([]byte("anchorline:" + actionID))
	return "0x" + hex.EncodeToString(sum[:])
}
