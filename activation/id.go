package activation

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/mr-tron/base58"
)

// ID generation follows the same time-ordered, base58-encoded layout the
// rest of the runtime uses for entity ids, so activation and transaction
// ids sort lexically by creation order and stay short in logs.

var (
	idMu     sync.Mutex
	lastTime int64

	timeNow = time.Now // overridden in tests
)

const nanoPerMilli = 1_000_000

func nextV7Time() (milli, seq int64) {
	idMu.Lock()
	defer idMu.Unlock()

	nano := timeNow().UnixNano()
	milli = nano / nanoPerMilli
	seq = (nano - milli*nanoPerMilli) >> 8

	now := milli<<12 + seq
	if now <= lastTime {
		now = lastTime + 1
		milli = now >> 12
		seq = now & 0xfff
	}
	lastTime = now

	return milli, seq
}

// NewID returns a prefixed, time-ordered, base58-encoded identifier.
func NewID(prefix string) string {
	var raw [16]byte

	if _, err := rand.Read(raw[:]); err != nil {
		panic(fmt.Sprintf("activation: failed to read random bytes: %v", err))
	}

	t, s := nextV7Time()

	raw[0] = byte(t >> 40)
	raw[1] = byte(t >> 32)
	raw[2] = byte(t >> 24)
	raw[3] = byte(t >> 16)
	raw[4] = byte(t >> 8)
	raw[5] = byte(t)

	raw[6] = 0x70 | (0x0F & byte(s>>8))
	raw[7] = byte(s)
	raw[8] = (raw[8] & 0x3f) | 0x80

	if prefix != "" {
		return prefix + "-" + base58.Encode(raw[:])
	}

	return base58.Encode(raw[:])
}

// NewActivationID returns a new activation id.
func NewActivationID() string { return NewID("act") }

// NewTxnID returns a new transaction id.
func NewTxnID() string { return NewID("txn") }
