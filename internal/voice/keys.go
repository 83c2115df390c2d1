package voice

import (
	"sync"

	"github.com/google/uuid"
)

// KeyCoordinator tracks the E2E key epoch per channel. The router never
// holds the content key; the epoch is a routing tag that clients compare
// against their negotiated group key generation. Every join, leave and
// manual rotation bumps the epoch so departed members cannot decrypt
// later frames.
type KeyCoordinator struct {
	mutex  sync.Mutex
	epochs map[uuid.UUID]uint16
}

func NewKeyCoordinator() *KeyCoordinator {
	return &KeyCoordinator{epochs: make(map[uuid.UUID]uint16)}
}

func (k *KeyCoordinator) Current(channelID uuid.UUID) uint16 {
	k.mutex.Lock()
	defer k.mutex.Unlock()
	return k.epochs[channelID]
}

// Bump advances the channel's epoch and returns the new value.
func (k *KeyCoordinator) Bump(channelID uuid.UUID) uint16 {
	k.mutex.Lock()
	defer k.mutex.Unlock()
	k.epochs[channelID]++
	return k.epochs[channelID]
}

// Forget drops the channel's epoch state once the channel is gone.
func (k *KeyCoordinator) Forget(channelID uuid.UUID) {
	k.mutex.Lock()
	defer k.mutex.Unlock()
	delete(k.epochs, channelID)
}
