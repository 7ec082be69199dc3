// Package jobkey derives idempotency keys for broker jobs.
package jobkey

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"

	"github.com/JakeFAU/media-scraper/internal/media"
)

const defaultDigestChars = 16

// Generator builds keys of the form [prefix-]<digest>-<unix millis>. The digest
// identifies the payload; the timestamp keeps resubmissions apart. The suffix
// never repeats within one Generator: a call landing in a millisecond already
// used, or behind it after a clock step back, takes the next free one.
type Generator struct {
	prefix      string
	digestChars int
	clock       media.Clock

	mu   sync.Mutex
	last int64
}

// Option customizes a Generator.
type Option func(*Generator)

// WithPrefix prepends prefix and a dash to every key.
func WithPrefix(prefix string) Option {
	return func(g *Generator) { g.prefix = prefix }
}

// WithDigestChars sets how many hex characters of the digest are kept.
func WithDigestChars(n int) Option {
	return func(g *Generator) {
		if n > 0 && n <= sha256.Size*2 {
			g.digestChars = n
		}
	}
}

// New returns a Generator reading time from clock.
func New(clock media.Clock, opts ...Option) *Generator {
	if clock == nil {
		clock = media.SystemClock{}
	}
	g := &Generator{digestChars: defaultDigestChars, clock: clock}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Derive returns the key for payload. The payload must already be in its
// canonical serialized form.
func (g *Generator) Derive(payload []byte) string {
	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])[:g.digestChars]
	key := digest + "-" + strconv.FormatInt(g.next(), 10)
	if g.prefix != "" {
		return g.prefix + "-" + key
	}
	return key
}

func (g *Generator) next() int64 {
	now := g.clock.Now().UnixMilli()
	g.mu.Lock()
	defer g.mu.Unlock()
	if now <= g.last {
		now = g.last + 1
	}
	g.last = now
	return now
}
