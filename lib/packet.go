package lib

import (
	"encoding/binary"
	"fmt"
)

//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                      Conversation Number                      |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                        Sequence Number                        |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                     Acknowledgment Number                     |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|   Reserved    |     Flags     |            Window             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                       Timestamp sending                       |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                      Timestamp receiving                      |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                             data                              |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+

// Segment is one decoded pcp packet. Payload aliases the buffer it was
// decoded from and must not be kept past the processing pass.
type Segment struct {
	Conv    uint32 // conversation number
	Seq     uint32 // sequence number of the first payload byte
	Ack     uint32 // next sequence number the sender expects
	Flags   uint8  // RSTFlag, CTLFlag
	Window  uint16 // advertised receive window
	TsVal   uint32 // sender's timestamp
	TsEcr   uint32 // echoed peer timestamp
	Payload []byte
}

// Marshal writes the segment into buffer and returns the frame length.
func (s *Segment) Marshal(buffer []byte) (int, error) {
	frameLength := HeaderLength + len(s.Payload)
	if frameLength > len(buffer) {
		return 0, fmt.Errorf("buffer size (%d) is too small to hold the frame (%d)", len(buffer), frameLength)
	}

	binary.BigEndian.PutUint32(buffer[0:4], s.Conv)
	binary.BigEndian.PutUint32(buffer[4:8], s.Seq)
	binary.BigEndian.PutUint32(buffer[8:12], s.Ack)
	buffer[12] = 0
	buffer[13] = s.Flags
	binary.BigEndian.PutUint16(buffer[14:16], s.Window)
	binary.BigEndian.PutUint32(buffer[16:20], s.TsVal)
	binary.BigEndian.PutUint32(buffer[20:24], s.TsEcr)
	copy(buffer[HeaderLength:], s.Payload)

	return frameLength, nil
}

// Unmarshal decodes data into s. Payload aliases data.
func (s *Segment) Unmarshal(data []byte) error {
	if len(data) < HeaderLength {
		return fmt.Errorf("%w: length(%d) is shorter than the header", ErrMalformedSegment, len(data))
	}
	s.Conv = binary.BigEndian.Uint32(data[0:4])
	s.Seq = binary.BigEndian.Uint32(data[4:8])
	s.Ack = binary.BigEndian.Uint32(data[8:12])
	s.Flags = data[13]
	s.Window = binary.BigEndian.Uint16(data[14:16])
	s.TsVal = binary.BigEndian.Uint32(data[16:20])
	s.TsEcr = binary.BigEndian.Uint32(data[20:24])
	s.Payload = data[HeaderLength:]
	return nil
}

// PeekConversation returns the conversation number of a raw packet.
func PeekConversation(data []byte) (uint32, bool) {
	if len(data) < HeaderLength {
		return 0, false
	}
	return binary.BigEndian.Uint32(data[0:4]), true
}

func (s *Segment) String() string {
	return fmt.Sprintf("<CONV=%d><FLG=%d><SEQ=%d:%d><ACK=%d><WND=%d><LEN=%d>",
		s.Conv, s.Flags, s.Seq, s.Seq+uint32(len(s.Payload)), s.Ack, s.Window, len(s.Payload))
}
