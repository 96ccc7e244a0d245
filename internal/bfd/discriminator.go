package bfd

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// discriminatorAllocAttempts bounds how many random draws Allocate will try
// before giving up. At 32 bits of random space and realistic session
// counts, a collision run this long would indicate a broken RNG rather than
// bad luck.
const discriminatorAllocAttempts = 100

// ErrDiscriminatorExhausted is returned when no unique nonzero discriminator
// could be drawn within discriminatorAllocAttempts tries.
var ErrDiscriminatorExhausted = errors.New("discriminator allocator exhausted")

// Discriminators is a registry of local discriminator values in use by this
// process. RFC 5880 §6.8.1 requires bfd.LocalDiscr to be unique across every
// session on the system, nonzero, and "SHOULD" be random to resist guessing.
// Zero is never handed out: RFC 5880 §6.8.6 step 7b overloads it to mean
// "Your Discriminator not yet known."
type Discriminators struct {
	mu    sync.Mutex
	inUse map[uint32]struct{}
}

// NewDiscriminators returns an empty discriminator registry.
func NewDiscriminators() *Discriminators {
	return &Discriminators{inUse: make(map[uint32]struct{})}
}

// Allocate draws a fresh discriminator from crypto/rand, retrying on a zero
// draw or a collision with an already-registered value, and reserves it
// before returning. It fails with ErrDiscriminatorExhausted only if the
// allocator cannot find a free nonzero value within its attempt budget.
func (d *Discriminators) Allocate() (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var raw [4]byte
	for range discriminatorAllocAttempts {
		if _, err := rand.Read(raw[:]); err != nil {
			return 0, fmt.Errorf("read random discriminator: %w", err)
		}

		candidate := binary.BigEndian.Uint32(raw[:])
		if candidate == 0 {
			continue
		}
		if _, taken := d.inUse[candidate]; taken {
			continue
		}

		d.inUse[candidate] = struct{}{}
		return candidate, nil
	}

	return 0, fmt.Errorf("no free discriminator after %d draws: %w",
		discriminatorAllocAttempts, ErrDiscriminatorExhausted)
}

// Release returns discr to the pool. Releasing a value that was never
// allocated, or already released, is a harmless no-op — session teardown
// paths call this unconditionally.
func (d *Discriminators) Release(discr uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inUse, discr)
}

// InUse reports whether discr is currently reserved.
func (d *Discriminators) InUse(discr uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, taken := d.inUse[discr]
	return taken
}
