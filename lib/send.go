package lib

import (
	"slices"
)

// queue appends data to the outgoing buffer and returns how much fit.
func (t *PseudoTcp) queue(data []byte, isCtrl bool) uint32 {
	n := uint32(len(data))
	if free := t.bufSize - t.slen(); n > free {
		n = free
	}

	// concatenate onto the tail segment if it is the same kind and unsent
	if last := len(t.slist) - 1; last >= 0 && t.slist[last].isCtrl == isCtrl && t.slist[last].xmit == 0 {
		t.slist[last].len += n
	} else {
		t.slist = append(t.slist, sendSegment{
			seq:    SeqIncrementBy(t.sndUna, t.slen()),
			len:    n,
			isCtrl: isCtrl,
		})
	}

	t.sbuf = append(t.sbuf, data[:n]...)
	return n
}

// packet encodes one segment carrying the current ack, window and
// timestamps and hands it to the owner.
func (t *PseudoTcp) packet(seq uint32, flags uint8, data []byte) WriteResult {
	now := t.clock()

	seg := Segment{
		Conv:    t.conv,
		Seq:     seq,
		Ack:     t.rcvNxt,
		Flags:   flags,
		Window:  uint16(t.rcvWnd),
		TsVal:   now,
		TsEcr:   t.tsRecent,
		Payload: data,
	}
	t.tsLastAck = t.rcvNxt

	n, err := seg.Marshal(t.out)
	if err != nil {
		t.log.Errorln("packet:", err)
		return WriteFail
	}
	t.log.Traceln("<--", seg.String())

	wres := t.notify.WritePacket(t, t.out[:n])
	// data is retried from slist; a lost empty packet is replaced by the next
	// ACK or probe and counts as sent
	if wres != WriteSuccess && len(data) > 0 {
		return wres
	}
	if wres == WriteFail {
		t.log.Infoln("packet: ack failed")
		t.closedown(ErrConnectionAborted)
		return wres
	}

	t.ackPending = false
	if len(data) > 0 {
		t.lastSend = now
	}
	t.lastTraffic = now
	t.outgoing = true

	return WriteSuccess
}

// transmit sends slist[idx], stepping the mss down the MTU ladder while the
// owner reports the packet as too large.
func (t *PseudoTcp) transmit(idx int, now uint32) transmitResult {
	limit := uint8(MaxRetransmitHandshake)
	if t.state == StateEstablished {
		limit = MaxRetransmitEstablished
	}
	if t.slist[idx].xmit >= limit {
		t.log.Infoln("transmit: too many retransmits")
		return transmitFail
	}

	seg := t.slist[idx]
	nTransmit := min(seg.len, t.mss)

	for {
		var flags uint8
		if seg.isCtrl {
			flags = CTLFlag
		}
		offset := seqDiff(seg.seq, t.sndUna)
		wres := t.packet(seg.seq, flags, t.sbuf[offset:offset+nTransmit])

		if wres == WriteSuccess {
			break
		}

		if wres == WriteBlocking {
			// With data in flight the next ACK restarts sending. Otherwise arm
			// the short blocking retry; it backs off normally from there.
			if t.sndUna == t.sndNxt && !t.rtoArmed {
				t.rxRto = BlockingRetry
				t.rtoBase = now
				t.rtoArmed = true
			}
			return transmitWait
		}

		if wres == WriteFail {
			t.log.Infoln("transmit: packet failed")
			return transmitFail
		}

		// WriteTooLarge
		for {
			if packetMaximums[t.mssLevel+1] == 0 {
				t.log.Infoln("transmit: MTU too small")
				return transmitFail
			}
			t.mssLevel++
			t.mss = uint32(packetMaximums[t.mssLevel]) - PacketOverhead
			t.cwnd = 2 * t.mss
			if t.mss < nTransmit {
				nTransmit = t.mss
				break
			}
		}
		t.log.Debugln("Adjusting mss to", t.mss, "bytes")
	}

	if nTransmit < seg.len {
		t.log.Infoln("transmit: mss reduced to", t.mss)
		t.slist = slices.Insert(t.slist, idx+1, sendSegment{
			seq:    SeqIncrementBy(seg.seq, nTransmit),
			len:    seg.len - nTransmit,
			xmit:   seg.xmit,
			isCtrl: seg.isCtrl,
		})
		t.slist[idx].len = nTransmit
	}

	if t.slist[idx].xmit == 0 {
		t.sndNxt = SeqIncrementBy(t.sndNxt, t.slist[idx].len)
	}
	t.slist[idx].xmit++

	if !t.rtoArmed {
		t.rtoBase = now
		t.rtoArmed = true
	}

	return transmitOK
}

// attemptSend transmits as much queued data as the windows allow, then
// takes care of any ACK the caller asked for.
func (t *PseudoTcp) attemptSend(sflags sendFlags) {
	now := t.clock()

	// restart from one segment after an idle period
	if timeDiff(now, t.lastSend) > int32(t.rxRto) {
		t.cwnd = t.mss
	}

	for {
		cwnd := t.cwnd
		if t.dupAcks == 1 || t.dupAcks == 2 { // limited transmit
			cwnd += uint32(t.dupAcks) * t.mss
		}
		nWindow := min(t.sndWnd, cwnd)
		nInFlight := seqDiff(t.sndNxt, t.sndUna)
		var nUseable uint32
		if nInFlight < nWindow {
			nUseable = nWindow - nInFlight
		}

		nAvailable := min(t.slen()-nInFlight, t.mss)

		if nAvailable > nUseable {
			if nUseable*4 < t.sndWnd {
				// RFC 813, avoid silly window syndrome
				nAvailable = 0
			} else {
				nAvailable = nUseable
			}
		}

		if nAvailable == 0 {
			if sflags == sendNone {
				return
			}

			// an immediate ack, or the second delayed one
			if sflags == sendImmediateAck || t.ackPending {
				t.packet(t.sndNxt, 0, nil)
			} else {
				t.tAck = now
				t.ackPending = true
			}
			return
		}

		// Nagle
		if isGreater(t.sndNxt, t.sndUna) && nAvailable < t.mss {
			return
		}

		idx := 0
		for t.slist[idx].xmit > 0 {
			idx++
		}

		// if the segment is too large, break it into two
		if seg := t.slist[idx]; seg.len > nAvailable {
			t.slist = slices.Insert(t.slist, idx+1, sendSegment{
				seq:    SeqIncrementBy(seg.seq, nAvailable),
				len:    seg.len - nAvailable,
				isCtrl: seg.isCtrl,
			})
			t.slist[idx].len = nAvailable
		}

		switch t.transmit(idx, now) {
		case transmitFail:
			t.log.Infoln("attemptSend: transmit failed")
			t.closedown(ErrConnectionAborted)
			return
		case transmitWait:
			return
		}

		sflags = sendNone
	}
}
