package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	// Monotonic entropy keeps ids from the same millisecond increasing
	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New returns a ULID for the current time. Used for recompute run ids and
// snapshot object names.
func New() string {
	s, err := NewAt(time.Now())
	if err != nil {
		// Only reachable if the monotonic entropy overflows within one millisecond
		panic(err)
	}
	return s
}

// NewAt returns a ULID whose time component is ts. Imported trades that carry
// no id get one derived from their own timestamp so ids sort with the trades.
// ts must lie between the Unix epoch and the ULID maximum (year 10889).
func NewAt(ts time.Time) (string, error) {
	if ts.Before(time.Unix(0, 0)) {
		return "", fmt.Errorf("ulid time %s is before the unix epoch", ts.UTC().Format(time.RFC3339))
	}

	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(ts.UTC()), mono)
	if err != nil {
		return "", fmt.Errorf("ulid at %s: %w", ts.UTC().Format(time.RFC3339), err)
	}
	return id.String(), nil
}

// Time extracts the millisecond timestamp embedded in a ULID string.
func Time(s string) (time.Time, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(id.Time()).UTC(), nil
}
