package voice

import (
	"log/slog"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/voicelink/voicelink/internal/audio"
)

const (
	// frameInterval is the audio frame cadence: 960 samples at 48 kHz.
	frameInterval = 20 * time.Millisecond

	// tickInterval is the cooperative pacing sleep of the main loop. The
	// loop must observe command-queue disconnection within one tick.
	tickInterval = 3 * time.Millisecond
)

// commandKind tags a controller→transport command.
type commandKind int

const (
	cmdSetSource commandKind = iota // replace the current source
	cmdStop                         // clear the current source
	cmdPoke                         // liveness probe, no-op
)

type command struct {
	kind   commandKind
	source audio.Source
}

// controlWriter is the outbound half of the control channel. Satisfied
// by *websocket.Conn.
type controlWriter interface {
	WriteJSON(v any) error
	Close() error
}

// controlReader is the inbound half of the control channel, consumed
// only by the drain task. Satisfied by *websocket.Conn.
type controlReader interface {
	ReadMessage() (messageType int, p []byte, err error)
}

// mediaConn is the outbound UDP socket. Satisfied by *net.UDPConn.
type mediaConn interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	Close() error
}

// opusEncoder is the encoder seam; satisfied by *gopus.Encoder.
type opusEncoder interface {
	Encode(pcm []int16, frameSize, maxDataBytes int) ([]byte, error)
}

// transport is the real-time producer for one active session. It runs on
// its own goroutine and exclusively owns the outbound control channel,
// the UDP socket, the command receiver, the encoder, and all transport
// state.
type transport struct {
	log      *slog.Logger
	ws       controlWriter
	udp      mediaConn
	dest     *net.UDPAddr
	commands <-chan command
	quit     <-chan struct{}
	done     chan struct{}

	ssrc      uint32
	key       [32]byte
	heartbeat time.Duration
	encoder   opusEncoder
	stats     *sessionStats

	// Mutated only by run.
	sequence  uint16
	timestamp uint32
	speaking  bool
	source    audio.Source

	// err holds the failure that terminated the loop, if any. Read only
	// after done is closed.
	err error
}

// run drives the session until the command queue disconnects or an error
// occurs. Each iteration sleeps one tick, drains pending commands, then
// services the keepalive and audio timers.
func (t *transport) run() {
	defer close(t.done)
	defer t.shutdown()

	audioTimer := NewTimer(frameInterval)
	keepaliveTimer := NewTimer(t.heartbeat)
	frame := make([]int16, FrameSamples)

	t.log.Info("voice transport started",
		"ssrc", t.ssrc,
		"peer", t.dest.String(),
		"heartbeat", t.heartbeat.String(),
	)

	for {
		time.Sleep(tickInterval)

		if !t.drainCommands() {
			t.log.Info("voice transport stopped", "packets_sent", t.stats.packetsSent.Load())
			return
		}

		if keepaliveTimer.CheckAndAdd(t.heartbeat) {
			if err := t.ws.WriteJSON(keepaliveMessage{Op: opKeepalive}); err != nil {
				t.fail(errf(ErrIO, err, "sending keepalive"))
				return
			}
			t.stats.keepalivesSent.Add(1)
		}

		if audioTimer.CheckAndAdd(frameInterval) {
			if err := t.frameCycle(frame); err != nil {
				t.fail(err)
				return
			}
		}
	}
}

// drainCommands consumes all pending commands without blocking. It
// returns false when the queue has disconnected.
func (t *transport) drainCommands() bool {
	for {
		select {
		case cmd := <-t.commands:
			switch cmd.kind {
			case cmdSetSource:
				t.setSource(cmd.source)
			case cmdStop:
				t.setSource(nil)
			case cmdPoke:
			}
		case <-t.quit:
			return false
		default:
			return true
		}
	}
}

// setSource installs a new source, closing any previous one.
func (t *transport) setSource(src audio.Source) {
	if t.source != nil {
		_ = t.source.Close()
	}
	t.source = src
}

// frameCycle performs exactly one 20 ms frame: read PCM, zero-fill a
// short read, announce speaking, encode, seal, transmit, and advance the
// sequence and timestamp counters.
func (t *transport) frameCycle(frame []int16) error {
	n := 0
	if t.source != nil {
		var err error
		n, err = audio.ReadFrame(t.source, frame)
		if err != nil {
			return errf(ErrIO, err, "reading audio source")
		}
	}
	if n == 0 {
		t.stats.framesSilent.Add(1)
		return t.setSpeaking(false)
	}
	for i := n; i < len(frame); i++ {
		frame[i] = 0
	}

	if err := t.setSpeaking(true); err != nil {
		return err
	}

	var header [headerLen]byte
	buildHeader(header[:], t.sequence, t.timestamp, t.ssrc)

	opusFrame, err := t.encoder.Encode(frame, FrameSamples, maxOpusFrame)
	if err != nil {
		return errf(ErrEncode, err, "encoding audio frame")
	}

	packet := SealPacket(header[:], opusFrame, &t.key)
	if _, err := t.udp.WriteToUDP(packet, t.dest); err != nil {
		return errf(ErrIO, err, "sending media packet")
	}

	t.sequence++
	t.timestamp += FrameSamples
	t.stats.packetsSent.Add(1)
	t.stats.bytesSent.Add(uint64(len(packet)))
	return nil
}

// setSpeaking announces a speaking-state change on the control channel.
// Redundant announcements are suppressed.
func (t *transport) setSpeaking(on bool) error {
	if t.speaking == on {
		return nil
	}
	t.speaking = on
	t.stats.speakingTransitions.Add(1)
	msg := speakingMessage{Op: opSpeaking, Data: speakingData{Speaking: on, Delay: 0}}
	if err := t.ws.WriteJSON(msg); err != nil {
		return errf(ErrIO, err, "sending speaking state")
	}
	return nil
}

// fail records the loop's terminal error. The controller observes the
// failure only through the loop's termination.
func (t *transport) fail(err error) {
	t.err = err
	t.log.Error("voice transport failed", "error", err)
}

// shutdown releases everything the loop owns. Closing the websocket also
// unblocks and terminates the drain task.
func (t *transport) shutdown() {
	t.setSource(nil)
	_ = t.ws.Close()
	_ = t.udp.Close()
}

// drainControl consumes and discards inbound control-channel messages so
// the OS receive buffer cannot fill and stall the relay. Unknown opcodes
// are logged at debug level, throttled so a chatty relay cannot flood
// the log. The task exits when receive fails, which is the normal
// outcome of the transport loop closing the socket.
func drainControl(r controlReader, log *slog.Logger) {
	limiter := rate.NewLimiter(rate.Every(time.Second), 5)
	for {
		_, data, err := r.ReadMessage()
		if err != nil {
			return
		}
		msg, err := decodeControlMessage(data)
		if err != nil {
			continue
		}
		if u, ok := msg.(*unknownMessage); ok && limiter.Allow() {
			log.Debug("discarding unknown control message", "op", u.Op)
		}
	}
}
