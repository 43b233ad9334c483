package ids

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Provider issues globally unique opaque identifiers.
type Provider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a Provider that issues UUIDv7 identifiers.
func NewUUIDProvider() Provider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Sequence issues prefix-1, prefix-2, ... and is meant for deterministic tests.
type Sequence struct {
	prefix string
	next   atomic.Int64
}

// NewSequence returns a Sequence using the given prefix.
func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

func (s *Sequence) NewID() (string, error) {
	return fmt.Sprintf("%s-%d", s.prefix, s.next.Add(1)), nil
}

// MustNewID returns an identifier or panics; used at process start where no
// recovery is possible.
func MustNewID(provider Provider) string {
	value, err := provider.NewID()
	if err != nil {
		panic(err)
	}
	return value
}
