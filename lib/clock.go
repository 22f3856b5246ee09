package lib

import (
	"time"
)

// GetNextClock returns how long the owner may wait before calling
// NotifyClock. It returns false once the connection has shut down and has
// nothing left to flush; the owner may then stop polling and drop it.
func (t *PseudoTcp) GetNextClock(now uint32) (time.Duration, bool) {
	if t.shutdown && (t.state != StateEstablished || t.drained()) {
		return 0, false
	}

	if t.state == StateClosed {
		return ClosedTimeout * time.Millisecond, true
	}

	timeout := int32(DefaultTimeout)

	if t.ackPending {
		timeout = min(timeout, timeDiff(t.tAck+AckDelay, now))
	}
	if t.rtoArmed {
		timeout = min(timeout, timeDiff(t.rtoBase+t.rxRto, now))
	}
	if t.sndWnd == 0 {
		timeout = min(timeout, timeDiff(t.lastSend+t.probeInterval(), now))
	}
	if t.keepalive && t.state == StateEstablished {
		timeout = min(timeout, timeDiff(t.lastTraffic+t.idlePing(), now))
	}

	return time.Duration(max(timeout, 0)) * time.Millisecond, true
}

// NotifyClock drives retransmission, zero-window probing, delayed ACKs and
// shutdown. Calling it early is harmless.
func (t *PseudoTcp) NotifyClock(now uint32) {
	if t.state == StateClosed {
		return
	}

	// time to retransmit
	if t.rtoArmed && timeDiff(t.rtoBase+t.rxRto, now) <= 0 {
		if len(t.slist) == 0 {
			t.rtoArmed = false
		} else {
			t.log.Debugln("timeout retransmit (rto:", t.rxRto, ") (dup_acks:", t.dupAcks, ")")
			result := t.transmit(0, now)
			if result == transmitFail {
				t.closedown(ErrConnectionAborted)
				return
			}

			if result == transmitOK {
				nInFlight := seqDiff(t.sndNxt, t.sndUna)
				t.ssthresh = max(nInFlight/2, 2*t.mss)
				t.cwnd = t.mss
				// a timeout ends fast recovery
				t.dupAcks = 0
			}

			// back off; the ceiling is lower while blocked or connecting
			rtoLimit := uint32(MaxRto)
			if result == transmitWait || t.state < StateEstablished {
				rtoLimit = DefRto
			}
			t.rxRto = min(rtoLimit, t.rxRto*2)
			t.rtoBase = now
		}
	}

	// time to probe a closed window
	if t.sndWnd == 0 && timeDiff(t.lastSend+t.probeInterval(), now) <= 0 {
		if timeDiff(now, t.lastRecv) >= ProbeTimeout {
			t.closedown(ErrConnectionAborted)
			return
		}

		t.packet(t.sndNxt-1, 0, nil)
		t.lastSend = now

		t.rxRto = min(MaxRto, t.rxRto*2)
	}

	// time to send delayed acks
	if t.ackPending && timeDiff(t.tAck+AckDelay, now) <= 0 {
		t.packet(t.sndNxt, 0, nil)
	}

	if t.keepalive && t.state == StateEstablished {
		if timeDiff(t.lastRecv+IdleTimeout, now) <= 0 {
			t.closedown(ErrConnectionAborted)
			return
		}
		if timeDiff(t.lastTraffic+t.idlePing(), now) <= 0 {
			t.packet(t.sndNxt, 0, nil)
		}
	}

	if t.shutdown && (t.state != StateEstablished || t.drained()) {
		t.closedown(nil)
	}
}

// drained reports whether everything queued was acknowledged and no ACK is owed.
func (t *PseudoTcp) drained() bool {
	return t.slen() == 0 && !t.ackPending
}

// probeInterval keeps probes frequent enough that a live peer with a closed
// window always answers inside ProbeTimeout.
func (t *PseudoTcp) probeInterval() uint32 {
	return min(t.rxRto, MaxProbeInterval)
}

func (t *PseudoTcp) idlePing() uint32 {
	if t.outgoing {
		return IdlePing * 3 / 2
	}
	return IdlePing
}
