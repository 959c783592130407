package mpegts

// ContinuityEstimator estimates lost packets per PID from continuity counter
// gaps. The counter is expected to advance by one modulo 16 between
// consecutive packets of a PID; any other value is read as the forward
// distance of skipped packets. Reordered or duplicated packets are
// indistinguishable from loss, so the result is a best-effort estimate.
//
// State is a fixed table indexed by PID, so lookups are O(1) and memory is
// bounded regardless of the stream. It is not safe for concurrent use.
type ContinuityEstimator struct {
	last [NullPID]uint8
	seen [NullPID]bool
	pids int
}

// Observe records cc for pid and returns the number of packets estimated
// lost since the previous packet on that PID (0..15). The first packet of a
// PID and packets on the null PID always return 0.
func (e *ContinuityEstimator) Observe(pid uint16, cc uint8) int {
	if pid >= NullPID {
		return 0
	}
	cc &= 0x0F

	if !e.seen[pid] {
		e.seen[pid] = true
		e.last[pid] = cc
		e.pids++
		return 0
	}

	expected := (e.last[pid] + 1) & 0x0F
	e.last[pid] = cc
	return int((cc - expected) & 0x0F)
}

// PIDs returns the number of distinct PIDs observed.
func (e *ContinuityEstimator) PIDs() int {
	return e.pids
}

// Last returns the most recent counter seen on pid and whether pid has been
// observed at all.
func (e *ContinuityEstimator) Last(pid uint16) (uint8, bool) {
	if pid >= NullPID || !e.seen[pid] {
		return 0, false
	}
	return e.last[pid], true
}
