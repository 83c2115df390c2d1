// Package voice owns the UDP media plane: packet codec, per-source jitter
// buffers, loss concealment, congestion tracking and channel forwarding.
package voice

import (
	"encoding/binary"
	"fmt"
)

// Wire layout, big-endian, 16-byte header:
//
//	offset  len  field
//	0       1    version
//	1       1    packet type (0 audio, 1 silence, 2 fec)
//	2       2    flags
//	4       2    sequence (wraps at 2^16)
//	6       2    key epoch (E2E routing tag, 0 for transport mode)
//	8       4    timestamp (48 kHz ticks)
//	12      4    ssrc (bound to the session at negotiation)
//	16..    n    codec frame bytes
const (
	ProtocolVersion = 1
	HeaderSize      = 16

	// one frame per datagram, total under the 1200-byte MTU target
	MaxDatagramSize = 1200
	MaxPayloadSize  = MaxDatagramSize - HeaderSize
)

type PacketType uint8

const (
	PacketAudio   PacketType = 0
	PacketSilence PacketType = 1
	PacketFec     PacketType = 2
)

const (
	// payload is end-to-end encrypted; the router never sees cleartext
	FlagEncrypted uint16 = 0x0001
	// payload carries FEC data covering the previous sequence
	FlagFec uint16 = 0x0002
	// discontinuous transmission (silence) frame
	FlagDtx uint16 = 0x0004
	// E2E key frame
	FlagKeyFrame      uint16 = 0x0008
	FlagSpeakingStart uint16 = 0x0010
	FlagSpeakingStop  uint16 = 0x0020
	// frame was synthesized by loss concealment, not sent by the source
	FlagSynthesized uint16 = 0x0040
)

type Header struct {
	Version   uint8
	Type      PacketType
	Flags     uint16
	Sequence  uint16
	KeyEpoch  uint16
	Timestamp uint32
	Ssrc      uint32
}

type Packet struct {
	Header  Header
	Payload []byte
}

func (h *Header) HasFlag(flag uint16) bool {
	return h.Flags&flag != 0
}

// E2E reports whether the payload must be forwarded opaque.
func (p *Packet) E2E() bool {
	return p.Header.HasFlag(FlagEncrypted)
}

func (p *Packet) Encode() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	buf[0] = p.Header.Version
	buf[1] = byte(p.Header.Type)
	binary.BigEndian.PutUint16(buf[2:4], p.Header.Flags)
	binary.BigEndian.PutUint16(buf[4:6], p.Header.Sequence)
	binary.BigEndian.PutUint16(buf[6:8], p.Header.KeyEpoch)
	binary.BigEndian.PutUint32(buf[8:12], p.Header.Timestamp)
	binary.BigEndian.PutUint32(buf[12:16], p.Header.Ssrc)
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

func Decode(buf []byte) (Packet, error) {
	if len(buf) < HeaderSize {
		return Packet{}, fmt.Errorf("datagram too short: %d bytes", len(buf))
	}
	if buf[0] != ProtocolVersion {
		return Packet{}, fmt.Errorf("unsupported protocol version %d", buf[0])
	}
	packetType := PacketType(buf[1])
	if packetType > PacketFec {
		return Packet{}, fmt.Errorf("unknown packet type %d", buf[1])
	}
	if len(buf) > MaxDatagramSize {
		return Packet{}, fmt.Errorf("datagram exceeds %d bytes", MaxDatagramSize)
	}

	packet := Packet{
		Header: Header{
			Version:   buf[0],
			Type:      packetType,
			Flags:     binary.BigEndian.Uint16(buf[2:4]),
			Sequence:  binary.BigEndian.Uint16(buf[4:6]),
			KeyEpoch:  binary.BigEndian.Uint16(buf[6:8]),
			Timestamp: binary.BigEndian.Uint32(buf[8:12]),
			Ssrc:      binary.BigEndian.Uint32(buf[12:16]),
		},
	}
	if len(buf) > HeaderSize {
		packet.Payload = append([]byte(nil), buf[HeaderSize:]...)
	}
	return packet, nil
}

func NewAudioPacket(sequence uint16, timestamp uint32, ssrc uint32, payload []byte) Packet {
	return Packet{
		Header: Header{
			Version:   ProtocolVersion,
			Type:      PacketAudio,
			Sequence:  sequence,
			Timestamp: timestamp,
			Ssrc:      ssrc,
		},
		Payload: payload,
	}
}

func NewSilencePacket(sequence uint16, timestamp uint32, ssrc uint32) Packet {
	return Packet{
		Header: Header{
			Version:   ProtocolVersion,
			Type:      PacketSilence,
			Flags:     FlagDtx,
			Sequence:  sequence,
			Timestamp: timestamp,
			Ssrc:      ssrc,
		},
	}
}

// seqBefore reports whether a precedes b with 16-bit wrap-around: a
// half-range difference convention, same as RTP.
func seqBefore(a uint16, b uint16) bool {
	diff := b - a
	return diff != 0 && diff < 0x8000
}

// seqDistance is the forward distance from a to b with wrap.
func seqDistance(a uint16, b uint16) uint16 {
	return b - a
}
