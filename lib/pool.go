package lib

import (
	"fmt"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	log "github.com/sirupsen/logrus"
)

// Payload is a reusable datagram buffer handed out by a ring pool.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload creates a buffer of the length given as its only parameter.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Errorln("NewPayload: Invalid number of calling parameters. Should be only one: bufferLength")
		return nil
	}

	bufferLength, ok := params[0].(int)
	if !ok || bufferLength <= 0 {
		log.Errorln("NewPayload: bufferLength should be a positive int")
		return nil
	}

	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

func newPayloadPool(size, bufferLength int) *rp.RingPool {
	return rp.NewRingPool("PCP: ", size, NewPayload, bufferLength)
}

// Reset clears the payload for reuse
func (p *Payload) Reset() {
	clear(p.payloadBytes[:p.length])
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.GetSlice()))
}

// Buffer exposes the whole backing array for a socket read.
func (p *Payload) Buffer() []byte {
	return p.payloadBytes
}

// SetLength records how much of the buffer holds valid data.
func (p *Payload) SetLength(n int) {
	p.length = min(max(n, 0), len(p.payloadBytes))
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}
