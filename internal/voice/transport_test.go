package voice

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/voicelink/voicelink/internal/audio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeControl records control-channel messages written by the loop.
type fakeControl struct {
	mu       sync.Mutex
	messages []any
	closed   bool
	writeErr error
}

func (f *fakeControl) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.messages = append(f.messages, v)
	return nil
}

func (f *fakeControl) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// speakingStates returns the speaking flags in emission order.
func (f *fakeControl) speakingStates() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	var states []bool
	for _, m := range f.messages {
		if sp, ok := m.(speakingMessage); ok {
			states = append(states, sp.Data.Speaking)
		}
	}
	return states
}

func (f *fakeControl) keepaliveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, m := range f.messages {
		if _, ok := m.(keepaliveMessage); ok {
			count++
		}
	}
	return count
}

// fakeMediaConn records transmitted packets.
type fakeMediaConn struct {
	mu      sync.Mutex
	packets [][]byte
	closed  bool
}

func (f *fakeMediaConn) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pkt := make([]byte, len(b))
	copy(pkt, b)
	f.packets = append(f.packets, pkt)
	return len(b), nil
}

func (f *fakeMediaConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeMediaConn) packetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.packets)
}

// fakeEncoder returns a fixed payload and records the frames it saw.
type fakeEncoder struct {
	frames [][]int16
}

func (f *fakeEncoder) Encode(pcm []int16, frameSize, maxDataBytes int) ([]byte, error) {
	frame := make([]int16, len(pcm))
	copy(frame, pcm)
	f.frames = append(f.frames, frame)
	return []byte{0xF8, 0xFF, 0xFE}, nil
}

type errorEncoder struct{}

func (errorEncoder) Encode(pcm []int16, frameSize, maxDataBytes int) ([]byte, error) {
	return nil, errors.New("encoder exploded")
}

// closableSource wraps a source and records Close calls.
type closableSource struct {
	audio.Source
	mu     sync.Mutex
	closed bool
}

func (c *closableSource) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.Source.Close()
}

func (c *closableSource) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestTransport(heartbeat time.Duration) (*transport, *fakeControl, *fakeMediaConn, *fakeEncoder, chan command, chan struct{}) {
	ws := &fakeControl{}
	udp := &fakeMediaConn{}
	enc := &fakeEncoder{}
	cmds := make(chan command, commandQueueSize)
	quit := make(chan struct{})
	tr := &transport{
		log:       testLogger(),
		ws:        ws,
		udp:       udp,
		dest:      &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4000},
		commands:  cmds,
		quit:      quit,
		done:      make(chan struct{}),
		ssrc:      0xDEADBEEF,
		heartbeat: heartbeat,
		encoder:   enc,
		stats:     &sessionStats{},
	}
	for i := range tr.key {
		tr.key[i] = byte(i)
	}
	return tr, ws, udp, enc, cmds, quit
}

// sineSamples returns n samples of a quiet tone, guaranteed non-zero.
func sineSamples(n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(1000 * (i%8 - 4))
	}
	return samples
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestFrameCycleProgression(t *testing.T) {
	tr, ws, udp, _, _, _ := newTestTransport(time.Hour)
	frame := make([]int16, FrameSamples)

	// Exactly three frames of audio, then EOF.
	tr.source = audio.NewBufferSource(sineSamples(3 * FrameSamples))

	for i := 0; i < 4; i++ {
		if err := tr.frameCycle(frame); err != nil {
			t.Fatalf("frameCycle() error on tick %d: %v", i, err)
		}
	}

	if got := udp.packetCount(); got != 3 {
		t.Fatalf("packets sent = %d, want 3", got)
	}

	// Sequence and timestamp form arithmetic progressions with steps
	// 1 and 960.
	for i, pkt := range udp.packets {
		seq, ts, ssrc, payload, ok := OpenPacket(pkt, &tr.key)
		if !ok {
			t.Fatalf("packet %d failed to open", i)
		}
		if seq != uint16(i) {
			t.Errorf("packet %d sequence = %d, want %d", i, seq, i)
		}
		if ts != uint32(i*FrameSamples) {
			t.Errorf("packet %d timestamp = %d, want %d", i, ts, i*FrameSamples)
		}
		if ssrc != 0xDEADBEEF {
			t.Errorf("packet %d ssrc = %#x, want 0xDEADBEEF", i, ssrc)
		}
		if len(payload) != 3 {
			t.Errorf("packet %d payload length = %d, want 3", i, len(payload))
		}
	}

	// One speaking=true before the audio, one speaking=false when the
	// source drained. No redundant announcements.
	states := ws.speakingStates()
	if len(states) != 2 || !states[0] || states[1] {
		t.Errorf("speaking states = %v, want [true false]", states)
	}

	stats := tr.stats.Snapshot()
	if stats.PacketsSent != 3 || stats.FramesSilent != 1 || stats.SpeakingTransitions != 2 {
		t.Errorf("stats = %+v, want 3 packets, 1 silent frame, 2 transitions", stats)
	}
}

func TestFrameCycleZeroFillsShortRead(t *testing.T) {
	tr, _, udp, enc, _, _ := newTestTransport(time.Hour)
	frame := make([]int16, FrameSamples)

	// 40 samples past a full frame: the second frame is short.
	tr.source = audio.NewBufferSource(sineSamples(FrameSamples + 40))

	for i := 0; i < 2; i++ {
		if err := tr.frameCycle(frame); err != nil {
			t.Fatalf("frameCycle() error: %v", err)
		}
	}

	if got := udp.packetCount(); got != 2 {
		t.Fatalf("packets sent = %d, want 2", got)
	}
	if len(enc.frames) != 2 {
		t.Fatalf("encoder saw %d frames, want 2", len(enc.frames))
	}
	short := enc.frames[1]
	for i := 40; i < FrameSamples; i++ {
		if short[i] != 0 {
			t.Fatalf("sample %d of short frame = %d, want zero fill", i, short[i])
		}
	}
}

func TestFrameCycleSilenceWithoutSource(t *testing.T) {
	tr, ws, udp, _, _, _ := newTestTransport(time.Hour)
	frame := make([]int16, FrameSamples)

	for i := 0; i < 5; i++ {
		if err := tr.frameCycle(frame); err != nil {
			t.Fatalf("frameCycle() error: %v", err)
		}
	}

	if got := udp.packetCount(); got != 0 {
		t.Errorf("packets sent = %d, want 0", got)
	}
	// Starting from silence, staying silent announces nothing.
	if states := ws.speakingStates(); len(states) != 0 {
		t.Errorf("speaking states = %v, want none", states)
	}
}

func TestFrameCycleCounterWraparound(t *testing.T) {
	tr, _, udp, _, _, _ := newTestTransport(time.Hour)
	frame := make([]int16, FrameSamples)

	tr.sequence = 0xFFFF
	tr.timestamp = 0xFFFFFFFF - 100
	tr.source = audio.NewBufferSource(sineSamples(2 * FrameSamples))

	for i := 0; i < 2; i++ {
		if err := tr.frameCycle(frame); err != nil {
			t.Fatalf("frameCycle() error: %v", err)
		}
	}

	seq0, ts0, _, _, _ := OpenPacket(udp.packets[0], &tr.key)
	seq1, ts1, _, _, _ := OpenPacket(udp.packets[1], &tr.key)
	if seq0 != 0xFFFF || seq1 != 0 {
		t.Errorf("sequence = %d, %d; want 65535, 0", seq0, seq1)
	}
	if ts0 != 0xFFFFFFFF-100 || ts1 != ts0+FrameSamples {
		t.Errorf("timestamps = %d, %d; want wrap by exactly 960", ts0, ts1)
	}
}

func TestFrameCycleSpeakingTransitionsAcrossSources(t *testing.T) {
	tr, ws, _, _, _, _ := newTestTransport(time.Hour)
	frame := make([]int16, FrameSamples)

	tr.source = audio.NewBufferSource(sineSamples(FrameSamples))
	tr.frameCycle(frame) // audio: speaking=true
	tr.frameCycle(frame) // drained: speaking=false
	tr.setSource(audio.NewBufferSource(sineSamples(FrameSamples)))
	tr.frameCycle(frame) // audio again: speaking=true

	states := ws.speakingStates()
	want := []bool{true, false, true}
	if len(states) != len(want) {
		t.Fatalf("speaking states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("speaking states = %v, want %v", states, want)
		}
	}
}

func TestFrameCycleEncoderFailureIsFatal(t *testing.T) {
	tr, _, _, _, _, _ := newTestTransport(time.Hour)
	tr.encoder = errorEncoder{}
	tr.source = audio.NewBufferSource(sineSamples(FrameSamples))

	err := tr.frameCycle(make([]int16, FrameSamples))
	if err == nil {
		t.Fatal("frameCycle() succeeded with a failing encoder")
	}
	if KindOf(err) != ErrEncode {
		t.Errorf("error kind = %s, want encode", KindOf(err))
	}
}

func TestSetSourceClosesPrevious(t *testing.T) {
	tr, _, _, _, _, _ := newTestTransport(time.Hour)

	first := &closableSource{Source: audio.NewBufferSource(sineSamples(FrameSamples))}
	tr.setSource(first)
	tr.setSource(audio.NewBufferSource(nil))

	if !first.isClosed() {
		t.Error("replaced source was not closed")
	}
}

func TestRunIdleSession(t *testing.T) {
	// A session with no source sends keepalives and nothing else.
	tr, ws, udp, _, _, quit := newTestTransport(30 * time.Millisecond)

	go tr.run()
	waitFor(t, time.Second, func() bool { return ws.keepaliveCount() >= 2 }, "two keepalives")

	close(quit)
	select {
	case <-tr.done:
	case <-time.After(time.Second):
		t.Fatal("transport loop did not exit after queue disconnect")
	}

	if got := udp.packetCount(); got != 0 {
		t.Errorf("packets sent = %d, want 0", got)
	}
	if states := ws.speakingStates(); len(states) != 0 {
		t.Errorf("speaking states = %v, want none", states)
	}
	if !ws.closed {
		t.Error("websocket not closed on shutdown")
	}
	if !udp.closed {
		t.Error("udp socket not closed on shutdown")
	}
	if tr.err != nil {
		t.Errorf("transport error = %v, want nil on graceful shutdown", tr.err)
	}
}

func TestRunPlaybackThroughCommands(t *testing.T) {
	tr, ws, udp, _, cmds, quit := newTestTransport(time.Hour)

	go tr.run()

	src := &closableSource{Source: audio.NewBufferSource(sineSamples(3 * FrameSamples))}
	cmds <- command{kind: cmdSetSource, source: src}

	waitFor(t, 2*time.Second, func() bool { return udp.packetCount() >= 3 }, "three media packets")
	waitFor(t, time.Second, func() bool {
		states := ws.speakingStates()
		return len(states) == 2 && states[0] && !states[1]
	}, "speaking true then false")

	close(quit)
	select {
	case <-tr.done:
	case <-time.After(time.Second):
		t.Fatal("transport loop did not exit")
	}

	if !src.isClosed() {
		t.Error("source not closed on shutdown")
	}
}

func TestRunStopClearsSource(t *testing.T) {
	tr, _, udp, _, cmds, quit := newTestTransport(time.Hour)
	defer close(quit)

	go tr.run()

	// A source that never drains.
	src := &closableSource{Source: audio.NewBufferSource(sineSamples(1000 * FrameSamples))}
	cmds <- command{kind: cmdSetSource, source: src}
	waitFor(t, 2*time.Second, func() bool { return udp.packetCount() >= 2 }, "playback to start")

	cmds <- command{kind: cmdStop}
	waitFor(t, time.Second, func() bool { return src.isClosed() }, "source to be closed by stop")
}

func TestRunPokeIsNoOp(t *testing.T) {
	tr, ws, udp, _, cmds, quit := newTestTransport(time.Hour)

	go tr.run()
	cmds <- command{kind: cmdPoke}
	time.Sleep(30 * time.Millisecond)

	close(quit)
	<-tr.done

	if udp.packetCount() != 0 || len(ws.speakingStates()) != 0 {
		t.Error("poke produced observable traffic")
	}
}

func TestRunKeepaliveWriteFailureIsFatal(t *testing.T) {
	tr, ws, _, _, _, quit := newTestTransport(10 * time.Millisecond)
	defer close(quit)
	ws.writeErr = errors.New("socket wedged")

	go tr.run()
	select {
	case <-tr.done:
	case <-time.After(time.Second):
		t.Fatal("transport loop did not exit on keepalive failure")
	}

	if KindOf(tr.err) != ErrIO {
		t.Errorf("error kind = %s, want io", KindOf(tr.err))
	}
}

func TestRunKeepaliveCadence(t *testing.T) {
	// Over a window of many heartbeat intervals, the number of
	// keepalives converges on elapsed/interval.
	heartbeat := 20 * time.Millisecond
	tr, ws, _, _, _, quit := newTestTransport(heartbeat)

	start := time.Now()
	go tr.run()
	time.Sleep(300 * time.Millisecond)
	close(quit)
	<-tr.done
	elapsed := time.Since(start)

	got := ws.keepaliveCount()
	want := int(elapsed / heartbeat)
	if got < want-2 || got > want+2 {
		t.Errorf("keepalives = %d over %v, want about %d", got, elapsed, want)
	}
}
