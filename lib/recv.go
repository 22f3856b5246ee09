package lib

import (
	"slices"
)

// process runs one decoded segment through the state machine, the ACK
// path and the receive path. It returns false once the connection is terminal.
func (t *PseudoTcp) process(seg *Segment) bool {
	if seg.Conv != t.conv {
		t.log.Debugln("process: wrong conversation", seg.Conv)
		return t.state != StateClosed
	}

	now := t.clock()
	t.lastTraffic = now
	t.lastRecv = now
	t.outgoing = false

	if t.state == StateClosed {
		t.log.Debugln("process: closed")
		return false
	}

	t.log.Traceln("-->", seg.String())

	if seg.Flags&RSTFlag != 0 {
		t.closedown(ErrConnectionReset)
		return false
	}

	// control data
	isConnect := false
	if seg.Flags&CTLFlag != 0 {
		if len(seg.Payload) == 0 {
			t.log.Warnln("process: missing control code")
			return true
		}
		if seg.Payload[0] != CtlConnect {
			t.log.Warnln("process: unknown control code:", seg.Payload[0])
			return true
		}
		isConnect = true
		switch t.state {
		case StateListen:
			t.setState(StateSynReceived)
			t.queue([]byte{CtlConnect}, true)
		case StateSynSent:
			t.setState(StateEstablished)
			t.adjustMTU()
			t.notify.OnOpen(t)
		}
	}

	segLen := uint32(len(seg.Payload))

	// update the timestamp to echo
	if isLessOrEqual(seg.Seq, t.tsLastAck) && isLess(t.tsLastAck, SeqIncrementBy(seg.Seq, segLen)) {
		t.tsRecent = seg.TsVal
	}

	if isGreater(seg.Ack, t.sndUna) && isLessOrEqual(seg.Ack, t.sndNxt) {
		if !t.processAck(seg, now, isConnect) {
			return false
		}
	} else if seg.Ack == t.sndUna {
		// the only way a closed window becomes open again
		t.sndWnd = uint32(seg.Window)

		if segLen > 0 {
			// a dup ack with a payload does not count
		} else if t.sndUna != t.sndNxt {
			t.dupAcks++
			if t.dupAcks == 3 { // fast retransmit
				t.log.Debugln("enter recovery")
				if t.transmit(0, now) == transmitFail {
					t.closedown(ErrConnectionAborted)
					return false
				}
				t.recover = t.sndNxt
				nInFlight := seqDiff(t.sndNxt, t.sndUna)
				t.ssthresh = max(nInFlight/2, 2*t.mss)
				t.cwnd = t.ssthresh + 3*t.mss
			} else if t.dupAcks > 3 {
				t.cwnd += t.mss
			}
		} else {
			t.dupAcks = 0
		}
	}

	// ACKs are needed unless the segment is empty and sits exactly at rcvNxt:
	// too old or too new goes out immediately, new data is delayed.
	sflags := sendNone
	if seg.Seq != t.rcvNxt {
		sflags = sendImmediateAck // fast recovery
	} else if segLen != 0 {
		sflags = sendDelayedAck
	}

	newData := t.receive(seg, &sflags)

	t.attemptSend(sflags)
	if t.state == StateClosed {
		return false
	}

	if newData && t.readEnable {
		t.readEnable = false
		t.notify.OnReadable(t)
	}

	return true
}

// processAck handles an ACK that acknowledges new bytes.
func (t *PseudoTcp) processAck(seg *Segment, now uint32, isConnect bool) bool {
	// round-trip time
	if seg.TsEcr != 0 {
		if rtt := timeDiff(now, seg.TsEcr); rtt >= 0 {
			sample := uint32(rtt)
			if t.rxSrtt == 0 {
				t.rxSrtt = sample
				t.rxRttvar = sample / 2
			} else {
				delta := max(sample, t.rxSrtt) - min(sample, t.rxSrtt)
				t.rxRttvar = (3*t.rxRttvar + delta) / 4
				t.rxSrtt = (7*t.rxSrtt + sample) / 8
			}
			t.rxRto = bound(MinRto, t.rxSrtt+max(1, 4*t.rxRttvar), MaxRto)
			t.log.Traceln("rtt:", sample, "srtt:", t.rxSrtt, "rto:", t.rxRto)
		}
	}

	t.sndWnd = uint32(seg.Window)

	nAcked := seqDiff(seg.Ack, t.sndUna)
	t.sndUna = seg.Ack

	t.rtoArmed = t.sndUna != t.sndNxt
	t.rtoBase = now

	t.sbuf = t.sbuf[:copy(t.sbuf, t.sbuf[nAcked:])]

	for nFree := nAcked; nFree > 0 && len(t.slist) > 0; {
		front := &t.slist[0]
		if nFree < front.len {
			front.len -= nFree
			front.seq = SeqIncrementBy(front.seq, nFree)
			nFree = 0
		} else {
			nFree -= front.len
			t.slist = t.slist[1:]
		}
	}

	if t.dupAcks >= 3 {
		if isGreaterOrEqual(t.sndUna, t.recover) { // NewReno
			nInFlight := seqDiff(t.sndNxt, t.sndUna)
			t.cwnd = min(t.ssthresh, nInFlight+t.mss)
			t.log.Debugln("exit recovery")
			t.dupAcks = 0
		} else {
			t.log.Debugln("recovery retransmit")
			if len(t.slist) > 0 && t.transmit(0, now) == transmitFail {
				t.closedown(ErrConnectionAborted)
				return false
			}
			t.cwnd = t.cwnd - min(nAcked, t.cwnd) + t.mss
		}
	} else {
		t.dupAcks = 0
		// slow start, congestion avoidance
		if t.cwnd < t.ssthresh {
			t.cwnd += t.mss
		} else {
			t.cwnd += uint32(max(1, uint64(t.mss)*uint64(t.mss)/uint64(t.cwnd)))
		}
	}

	// the handshake completes on the data/ack path
	if t.state == StateSynReceived && !isConnect {
		t.setState(StateEstablished)
		t.adjustMTU()
		t.notify.OnOpen(t)
	}

	// room in the send queue, tell the user
	if t.writeEnable && t.slen() < t.bufSize*2/3 {
		t.writeEnable = false
		t.notify.OnWriteable(t)
	}
	return true
}

// receive trims seg to the receive window and copies its payload into the
// receive buffer. It reports whether new in-order bytes became readable.
func (t *PseudoTcp) receive(seg *Segment, sflags *sendFlags) bool {
	seq := seg.Seq
	data := seg.Payload

	// drop bytes we already have
	if isLess(seq, t.rcvNxt) {
		adjust := seqDiff(t.rcvNxt, seq)
		if adjust < uint32(len(data)) {
			seq = SeqIncrementBy(seq, adjust)
			data = data[adjust:]
		} else {
			data = nil
		}
	}

	// drop bytes that do not fit the buffer
	if len(data) > 0 {
		free := t.bufSize - t.rlen
		if end := seqDiff(SeqIncrementBy(seq, uint32(len(data))), t.rcvNxt); end > free {
			adjust := end - free
			if adjust < uint32(len(data)) {
				data = data[:uint32(len(data))-adjust]
			} else {
				data = nil
			}
		}
	}

	if len(data) == 0 {
		return false
	}
	n := uint32(len(data))

	if seg.Flags&CTLFlag != 0 || t.shutdown {
		// never handed to the application, but still consumes sequence space
		if seq == t.rcvNxt {
			t.rcvNxt = SeqIncrementBy(t.rcvNxt, n)
		}
		return false
	}

	offset := seqDiff(seq, t.rcvNxt)
	copy(t.rbuf[t.rlen+offset:], data)

	if seq != t.rcvNxt {
		t.log.Debugln("Saving", n, "bytes (", seq, "->", SeqIncrementBy(seq, n), ")")
		idx := 0
		for idx < len(t.rlist) && isLess(t.rlist[idx].seq, seq) {
			idx++
		}
		t.rlist = slices.Insert(t.rlist, idx, recvSegment{seq: seq, len: n})
		return false
	}

	t.advance(n)

	// merge held segments that are now contiguous
	merged := 0
	for merged < len(t.rlist) && isLessOrEqual(t.rlist[merged].seq, t.rcvNxt) {
		held := t.rlist[merged]
		if end := SeqIncrementBy(held.seq, held.len); isGreater(end, t.rcvNxt) {
			*sflags = sendImmediateAck // fast recovery
			adjust := seqDiff(end, t.rcvNxt)
			t.log.Debugln("Recovered", adjust, "bytes (", t.rcvNxt, "->", SeqIncrementBy(t.rcvNxt, adjust), ")")
			t.advance(adjust)
		}
		merged++
	}
	t.rlist = slices.Delete(t.rlist, 0, merged)

	return true
}

// advance moves n in-order bytes from the window into the readable region.
func (t *PseudoTcp) advance(n uint32) {
	t.rlen += n
	t.rcvNxt = SeqIncrementBy(t.rcvNxt, n)
	t.rcvWnd -= min(n, t.rcvWnd)
}
