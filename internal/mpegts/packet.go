package mpegts

import "fmt"

// ParseHeader extracts the header fields from a single 188-byte packet.
func ParseHeader(buf []byte) (PacketHeader, error) {
	if len(buf) != PacketSize {
		return PacketHeader{}, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != SyncByte {
		return PacketHeader{}, fmt.Errorf("mpegts: invalid sync byte 0x%02X", buf[0])
	}

	var h PacketHeader
	h.TransportErrorIndicator = buf[1]&0x80 != 0
	h.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	h.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	h.HasAdaptationField = buf[3]&0x20 != 0
	h.HasPayload = buf[3]&0x10 != 0
	h.ContinuityCounter = buf[3] & 0x0F
	return h, nil
}

// PID returns the packet identifier of an aligned packet without a full parse.
// The caller guarantees len(pkt) >= 4.
func PID(pkt []byte) uint16 {
	return uint16(pkt[1]&0x1F)<<8 | uint16(pkt[2])
}

// ContinuityCounter returns the 4-bit continuity counter of an aligned packet.
// The caller guarantees len(pkt) >= 4.
func ContinuityCounter(pkt []byte) uint8 {
	return pkt[3] & 0x0F
}
