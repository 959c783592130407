package mpegts

import "bytes"

// Feed aligns carry followed by data on packet boundaries. It returns every
// complete packet found, in order, and the trailing partial packet (at most
// PacketSize-1 bytes, always starting with SyncByte) to pass back as carry on
// the next call.
//
// Bytes that do not start a packet are skipped up to the next sync byte. When
// no further sync byte exists the remainder is abandoned and nothing is
// carried, so unsynchronized noise never accumulates across calls.
//
// Feed keeps no state: the same (carry, data) pair always yields the same
// result. Returned packets alias a buffer private to this call.
func Feed(carry, data []byte) (packets [][]byte, rest []byte) {
	buf := make([]byte, 0, len(carry)+len(data))
	buf = append(buf, carry...)
	buf = append(buf, data...)

	off := 0
	for off < len(buf) {
		if buf[off] != SyncByte {
			next := bytes.IndexByte(buf[off+1:], SyncByte)
			if next < 0 {
				return packets, nil
			}
			off += 1 + next
			continue
		}
		if len(buf)-off < PacketSize {
			break
		}
		packets = append(packets, buf[off:off+PacketSize:off+PacketSize])
		off += PacketSize
	}

	if off == len(buf) {
		return packets, nil
	}
	return packets, buf[off:]
}

// SyncStats counts what a Synchronizer has done since it was created.
type SyncStats struct {
	Packets        int64 `json:"packets"`
	DiscardedBytes int64 `json:"discardedBytes"`
	CarryBytes     int   `json:"carryBytes"`
}

// Synchronizer threads the carry-over between successive Feed calls for one
// byte stream. It is not safe for concurrent use.
type Synchronizer struct {
	carry []byte
	stats SyncStats
}

// Push feeds one datagram and returns the complete packets it produced.
func (s *Synchronizer) Push(data []byte) [][]byte {
	in := len(s.carry) + len(data)
	packets, rest := Feed(s.carry, data)

	s.carry = rest
	s.stats.Packets += int64(len(packets))
	s.stats.DiscardedBytes += int64(in - len(packets)*PacketSize - len(rest))
	s.stats.CarryBytes = len(rest)
	return packets
}

// Carry returns the bytes currently held back for the next Push.
func (s *Synchronizer) Carry() []byte {
	return s.carry
}

// Stats returns the running alignment counters.
func (s *Synchronizer) Stats() SyncStats {
	return s.stats
}

// Reset drops the carry-over and counters.
func (s *Synchronizer) Reset() {
	s.carry = nil
	s.stats = SyncStats{}
}
