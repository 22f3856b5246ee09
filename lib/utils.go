package lib

import (
	"os"
	"time"

	"github.com/google/netstack/tcpip/seqnum"
)

func SeqIncrement(seq uint32) uint32 {
	return uint32(seqnum.Value(seq).Add(1)) // implicit modulo op
}

func SeqIncrementBy(seq, inc uint32) uint32 {
	return uint32(seqnum.Value(seq).Add(seqnum.Size(inc)))
}

// SEQ compare functions with SEQ wraparound in mind. Every sequence
// comparison in the engine goes through these.
func isGreater(seq1, seq2 uint32) bool {
	return seqnum.Value(seq2).LessThan(seqnum.Value(seq1))
}

func isGreaterOrEqual(seq1, seq2 uint32) bool {
	return seqnum.Value(seq2).LessThanEq(seqnum.Value(seq1))
}

func isLess(seq1, seq2 uint32) bool {
	return seqnum.Value(seq1).LessThan(seqnum.Value(seq2))
}

func isLessOrEqual(seq1, seq2 uint32) bool {
	return seqnum.Value(seq1).LessThanEq(seqnum.Value(seq2))
}

// seqDiff returns the forward distance from seq2 to seq1.
func seqDiff(seq1, seq2 uint32) uint32 {
	return uint32(seqnum.Value(seq2).Size(seqnum.Value(seq1)))
}

// timeDiff returns later-earlier on the 32 bit millisecond clock.
func timeDiff(later, earlier uint32) int32 {
	return int32(later - earlier)
}

func bound(lower, middle, upper uint32) uint32 {
	return min(max(lower, middle), upper)
}

var clockBase = time.Now()

// Now returns the monotonic millisecond clock used by the engine.
// It wraps after roughly 49 days, which timeDiff tolerates.
func Now() uint32 {
	return uint32(time.Since(clockBase) / time.Millisecond)
}

type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string {
	return e.msg
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Temporary() bool {
	return true
}

// Is lets callers match deadline errors with os.ErrDeadlineExceeded.
func (e *TimeoutError) Is(target error) bool {
	return target == os.ErrDeadlineExceeded
}
