package state

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
)

const FingerprintSeed = "TradeLedger:fingerprint:v1"

// Fingerprinter chains record digests: h[N] = SHA-256(h[N-1] || N || digest)
type Fingerprinter struct {
	prevHash [32]byte
	count    int64
}

// NewFingerprinter initializes the chain from the seed hash
func NewFingerprinter() *Fingerprinter {
	return &Fingerprinter{
		prevHash: sha256.Sum256([]byte(FingerprintSeed)),
	}
}

// Add folds one record digest into the chain
func (f *Fingerprinter) Add(digest []byte) {
	hasher := sha256.New()

	hasher.Write(f.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(f.count))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	copy(f.prevHash[:], hasher.Sum(nil))
	f.count++
}

// Sum returns the hex chain tip
func (f *Fingerprinter) Sum() string {
	return hex.EncodeToString(f.prevHash[:])
}

// Fingerprint hashes a position/allocation set independently of the order
// it was read in. Two ledgers with the same fingerprint hold byte-identical
// rows.
func Fingerprint(positions []*Position, allocations []Allocation) string {
	ps := make([]*Position, len(positions))
	copy(ps, positions)
	sort.Slice(ps, func(i, j int) bool {
		return ps[i].ID.String() < ps[j].ID.String()
	})

	as := make([]Allocation, len(allocations))
	copy(as, allocations)
	sort.Slice(as, func(i, j int) bool {
		if as[i].TradeID != as[j].TradeID {
			return as[i].TradeID < as[j].TradeID
		}
		return as[i].Leg < as[j].Leg
	})

	f := NewFingerprinter()
	for _, p := range ps {
		f.Add(p.CanonicalBytes())
	}
	// Separator between the two tables
	f.Add([]byte{0xff})
	for i := range as {
		f.Add(as[i].CanonicalBytes())
	}
	return f.Sum()
}
