package effects

import (
	"crypto/rand"
	"encoding/binary"
	"sync"

	"lukechampine.com/blake3"
)

// SecureRandom implements the randomness effect over the OS CSPRNG.
type SecureRandom struct{}

// NewSecureRandom creates the production randomness source.
func NewSecureRandom() *SecureRandom { return &SecureRandom{} }

func (r *SecureRandom) Bytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// The OS entropy source failing is not a recoverable condition.
		panic("effects: system entropy unavailable: " + err.Error())
	}
	return b
}

func (r *SecureRandom) Bytes32() [32]byte {
	var b [32]byte
	copy(b[:], r.Bytes(32))
	return b
}

func (r *SecureRandom) Uint64() uint64 {
	return binary.LittleEndian.Uint64(r.Bytes(8))
}

// SeededRandom implements the randomness effect as a deterministic stream
// expanded from a seed with the blake3 XOF. Two instances with the same seed
// produce identical byte sequences, which is what makes simulation runs
// replayable.
type SeededRandom struct {
	mu     sync.Mutex
	seed   [32]byte
	block  uint64
	buf    []byte
	offset int
}

// NewSeededRandom creates a deterministic randomness source.
func NewSeededRandom(seed uint64) *SeededRandom {
	var s [32]byte
	binary.LittleEndian.PutUint64(s[:8], seed)
	return &SeededRandom{seed: s}
}

func (r *SeededRandom) refill() {
	var counter [8]byte
	binary.LittleEndian.PutUint64(counter[:], r.block)
	r.block++
	sum := blake3.Sum512(append(r.seed[:], counter[:]...))
	r.buf = sum[:]
	r.offset = 0
}

func (r *SeededRandom) Bytes(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, n)
	filled := 0
	for filled < n {
		if r.offset >= len(r.buf) {
			r.refill()
		}
		c := copy(out[filled:], r.buf[r.offset:])
		filled += c
		r.offset += c
	}
	return out
}

func (r *SeededRandom) Bytes32() [32]byte {
	var b [32]byte
	copy(b[:], r.Bytes(32))
	return b
}

func (r *SeededRandom) Uint64() uint64 {
	return binary.LittleEndian.Uint64(r.Bytes(8))
}
