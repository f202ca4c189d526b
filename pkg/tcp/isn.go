package tcp

import (
	"crypto/rand"
	"math/big"
	mathrand "math/rand"
)

// ISNGenerator produces initial sequence numbers for passively-opened
// connections. Production listeners use cryptoISN; tests inject a seeded
// generator so handshake sequence numbers are reproducible.
type ISNGenerator interface {
	Next() uint32
}

type cryptoISN struct{}

// NewCryptoISN returns an ISNGenerator drawing from crypto/rand, the
// default for a Listener that isn't handed an explicit generator.
func NewCryptoISN() ISNGenerator { return cryptoISN{} }

func (cryptoISN) Next() uint32 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<32))
	if err != nil {
		// crypto/rand failing means the platform's entropy source is
		// broken; fall back rather than panic mid-handshake.
		return uint32(mathrand.New(mathrand.NewSource(1)).Int63())
	}
	return uint32(n.Uint64())
}

// seededISN is a deterministic ISNGenerator for tests that need to assert
// on exact sequence numbers across a handshake.
type seededISN struct {
	r *mathrand.Rand
}

// NewSeededISN returns an ISNGenerator whose sequence is fully determined
// by seed.
func NewSeededISN(seed int64) ISNGenerator {
	return &seededISN{r: mathrand.New(mathrand.NewSource(seed))}
}

func (s *seededISN) Next() uint32 {
	return uint32(s.r.Int63())
}
