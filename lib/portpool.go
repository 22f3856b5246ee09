package lib

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	ErrConvPoolEmpty = errors.New("pcp: conversation pool is empty")
	ErrConvPoolFull  = errors.New("pcp: conversation pool is full")
	ErrConvRange     = errors.New("pcp: conversation number out of range")
)

// ConvPool hands out conversation numbers for outgoing connections.
// Numbers are kept in a shuffled ring so that a returned number is
// reused as late as possible.
type ConvPool struct {
	convs           []uint32
	capacity        int
	minConv         uint32
	maxConv         uint32
	readIdx         int
	writeIdx        int
	isFull, isEmpty bool
	allocatedMap    map[uint32]time.Time
	mtx             sync.Mutex
}

func newConvPool(minConv, maxConv uint32) *ConvPool {
	if maxConv < minConv {
		minConv, maxConv = maxConv, minConv
	}
	capacity := int(maxConv-minConv) + 1

	perm := rand.Perm(capacity)
	convs := make([]uint32, capacity)
	for i, v := range perm {
		convs[i] = minConv + uint32(v)
	}

	return &ConvPool{
		convs:        convs,
		capacity:     capacity,
		minConv:      minConv,
		maxConv:      maxConv,
		allocatedMap: make(map[uint32]time.Time),
		isFull:       true,
	}
}

// allocate takes the next free conversation number from the ring.
func (p *ConvPool) allocate() (uint32, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.isEmpty {
		log.Warnln("Conversation allocation: pool is empty. Cannot allocate")
		return 0, ErrConvPoolEmpty
	}

	conv := p.convs[p.readIdx]
	p.readIdx = (p.readIdx + 1) % p.capacity
	if p.readIdx == p.writeIdx {
		p.isEmpty = true
	}
	p.isFull = false

	p.allocatedMap[conv] = time.Now()
	return conv, nil
}

// release puts a conversation number back at the tail of the ring.
func (p *ConvPool) release(conv uint32) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if conv < p.minConv || conv > p.maxConv {
		return errors.Wrapf(ErrConvRange, "release %d", conv)
	}
	if _, ok := p.allocatedMap[conv]; !ok {
		return errors.Errorf("pcp: conversation %d was not allocated", conv)
	}
	if p.isFull {
		return ErrConvPoolFull
	}

	p.convs[p.writeIdx] = conv
	p.writeIdx = (p.writeIdx + 1) % p.capacity
	if p.writeIdx == p.readIdx {
		p.isFull = true
	}
	p.isEmpty = false

	delete(p.allocatedMap, conv)
	return nil
}

// available returns how many conversation numbers can still be allocated.
func (p *ConvPool) available() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.capacity - len(p.allocatedMap)
}
