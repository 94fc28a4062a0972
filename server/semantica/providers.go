package semantica

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDProvider generates job identifiers. Injected so tests can use a
// deterministic counter source.
type IDProvider interface {
	NewID() string
}

// UUIDProvider is the production IDProvider: random 128-bit identifiers.
type UUIDProvider struct{}

func (UUIDProvider) NewID() string { return uuid.New().String() }

// SequentialIDProvider is a counter-based IDProvider for tests.
type SequentialIDProvider struct {
	Prefix string
	n      uint64
}

func (p *SequentialIDProvider) NewID() string {
	return fmt.Sprintf("%s%d", p.Prefix, atomic.AddUint64(&p.n, 1))
}
