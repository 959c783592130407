// Package mpegts implements the MPEG-TS packet layer used by the monitor:
// 188-byte packet alignment over an arbitrarily fragmented byte stream,
// header field extraction, and per-PID continuity counter loss estimation.
// Payload bytes beyond the 4-byte header are never inspected.
package mpegts

const (
	// PacketSize is the fixed size of a transport stream packet.
	PacketSize = 188

	// SyncByte is the value every packet starts with.
	SyncByte = 0x47

	// NullPID is the stuffing PID. Packets on it are excluded from all counting.
	NullPID = 0x1FFF

	// MaxPID is the largest PID a 13-bit field can carry.
	MaxPID = 0x1FFF
)

// PacketHeader contains the parsed 4-byte header of a transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
}

// IsNull reports whether the packet is on the null (stuffing) PID.
func (h PacketHeader) IsNull() bool {
	return h.PID == NullPID
}
