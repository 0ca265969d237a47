package voice

import "sync/atomic"

// Stats is a snapshot of a session's transport counters.
type Stats struct {
	// PacketsSent is the number of media packets transmitted.
	PacketsSent uint64
	// BytesSent is the total media bytes transmitted, headers included.
	BytesSent uint64
	// FramesSilent is the number of 20 ms ticks with no audio to send.
	FramesSilent uint64
	// KeepalivesSent is the number of control-channel keepalives emitted.
	KeepalivesSent uint64
	// SpeakingTransitions counts silence↔audio transitions announced on
	// the control channel.
	SpeakingTransitions uint64
}

// sessionStats holds the live counters. They are mutated only by the
// transport loop and read by Snapshot from any goroutine.
type sessionStats struct {
	packetsSent         atomic.Uint64
	bytesSent           atomic.Uint64
	framesSilent        atomic.Uint64
	keepalivesSent      atomic.Uint64
	speakingTransitions atomic.Uint64
}

func (s *sessionStats) Snapshot() Stats {
	return Stats{
		PacketsSent:         s.packetsSent.Load(),
		BytesSent:           s.bytesSent.Load(),
		FramesSilent:        s.framesSilent.Load(),
		KeepalivesSent:      s.keepalivesSent.Load(),
		SpeakingTransitions: s.speakingTransitions.Load(),
	}
}
