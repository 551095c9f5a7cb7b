package messaging

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator produces correlation ids
type IDGenerator interface {
	NextID() string
}

// UUIDGenerator issues random UUIDv4 ids
type UUIDGenerator struct{}

// NextID implements IDGenerator
func (UUIDGenerator) NextID() string {
	return uuid.NewString()
}

// SequentialGenerator issues "<instance>-<counter>" ids. The instance part
// keeps ids from separate clients apart on a shared reply topic.
type SequentialGenerator struct {
	instance string
	counter  atomic.Uint64
}

// NewSequentialGenerator creates a generator. An empty instance gets a random one.
func NewSequentialGenerator(instance string) *SequentialGenerator {
	if instance == "" {
		instance = uuid.NewString()
	}
	return &SequentialGenerator{instance: instance}
}

// NextID implements IDGenerator
func (g *SequentialGenerator) NextID() string {
	n := g.counter.Add(1)
	return g.instance + "-" + strconv.FormatUint(n, 10)
}
