// Package voice implements a sending-side client for a real-time voice
// relay: control websocket handshake, UDP IP discovery, and a 20 ms
// fixed-cadence loop transmitting xsalsa20_poly1305-sealed Opus frames.
//
// A Session is driven by voice-state and voice-server events from a
// parent signaling connection. It is idle until both a session id and a
// server endpoint are known, active while exactly one transport loop and
// one drain task run, and returns to idle when the channel is left, the
// endpoint goes away, or the loop hits an error.
package voice

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"layeh.com/gopus"

	"github.com/voicelink/voicelink/internal/audio"
)

// commandQueueSize bounds the controller→transport queue. The loop
// drains it every 3 ms tick, so it only fills if the loop has wedged —
// in which case sends are dropped rather than blocking the caller.
const commandQueueSize = 32

// SessionInfo describes one established voice session for the journal.
type SessionInfo struct {
	ID        string
	ServerID  string
	Endpoint  string
	SSRC      uint32
	StartedAt time.Time
}

// Journal receives lifecycle notifications for established sessions.
// Implementations must not block; Started is called inline during
// activation, Ended from a separate goroutine once the transport loop
// exits.
type Journal interface {
	Started(info SessionInfo)
	Ended(info SessionInfo, stats Stats, cause error)
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session's logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log.With("subsystem", "voice") }
}

// WithJournal sets the session journal.
func WithJournal(j Journal) Option {
	return func(s *Session) { s.journal = j }
}

// Session is the stateful façade consumed by the host application. All
// methods are safe for concurrent use; the transport loop itself shares
// nothing mutably with the controller except the command queue.
type Session struct {
	log     *slog.Logger
	userID  string
	journal Journal

	// connectFn performs the handshake; overridden in tests.
	connectFn func(connectParams) (*connection, error)

	mu        sync.Mutex
	sessionID string
	cmds      chan command
	quit      chan struct{}
	tr        *transport
	info      SessionInfo
}

// New returns an idle session for the given local user.
func New(userID string, opts ...Option) *Session {
	s := &Session{
		log:       slog.Default().With("subsystem", "voice"),
		userID:    userID,
		connectFn: connect,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Play asks the transport loop to play from the given source, replacing
// any current one. If no transport loop is listening the source is
// closed and dropped silently.
func (s *Session) Play(src audio.Source) {
	if !s.send(command{kind: cmdSetSource, source: src}) {
		_ = src.Close()
	}
}

// Stop asks the transport loop to clear the current source. Silently
// ignored when no loop is listening.
func (s *Session) Stop() {
	s.send(command{kind: cmdStop})
}

// IsRunning reports whether the transport loop is currently consuming
// commands, observed by attempting a Poke send.
func (s *Session) IsRunning() bool {
	return s.send(command{kind: cmdPoke})
}

// Stats returns a snapshot of the current (or most recent) session's
// transport counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	tr := s.tr
	s.mu.Unlock()
	if tr == nil {
		return Stats{}
	}
	return tr.stats.Snapshot()
}

// send enqueues a command, reporting whether a live transport loop could
// accept it.
func (s *Session) send(cmd command) bool {
	s.mu.Lock()
	cmds, tr := s.cmds, s.tr
	s.mu.Unlock()
	if cmds == nil || tr == nil {
		return false
	}
	// Check for loop exit first: a select with both a closed done channel
	// and a free queue slot would pick either case at random.
	select {
	case <-tr.done:
		return false
	default:
	}
	select {
	case <-tr.done:
		return false
	case cmds <- cmd:
		return true
	default:
		// Queue full but the loop has not exited; it will catch up on
		// its next drain.
		return cmd.kind == cmdPoke
	}
}

// Update consumes one event from the parent signaling connection.
// Voice-state events for the local user record the session id and
// deactivate when the channel is cleared; voice-server events activate
// or deactivate depending on endpoint presence. Anything else is
// ignored.
func (s *Session) Update(event any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev := event.(type) {
	case *VoiceStateUpdate:
		if ev.UserID != s.userID {
			return nil
		}
		s.sessionID = ev.SessionID
		if ev.ChannelID == nil {
			s.deactivateLocked()
		}
		return nil
	case *VoiceServerUpdate:
		if ev.Endpoint == nil {
			s.deactivateLocked()
			return nil
		}
		return s.activateLocked(ev.ServerID, *ev.Endpoint, ev.Token)
	}
	return nil
}

// Close deactivates any active session. The transport loop observes the
// queue disconnect and exits within one tick.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deactivateLocked()
}

// activateLocked runs the handshake and spawns the transport loop and
// drain task. Activation without a recorded session id is a programming
// error in the caller's event plumbing and fails fast.
func (s *Session) activateLocked(serverID, endpoint, token string) error {
	if s.sessionID == "" {
		return errf(ErrOther, nil, "voice server update before any voice state update: no session id")
	}

	// Replace any existing loop; its queue end disconnects below.
	s.deactivateLocked()

	conn, err := s.connectFn(connectParams{
		ServerID:  serverID,
		UserID:    s.userID,
		SessionID: s.sessionID,
		Token:     token,
		Endpoint:  endpoint,
		Logger:    s.log,
	})
	if err != nil {
		s.log.Error("voice handshake failed", "endpoint", endpoint, "error", err)
		return err
	}

	encoder, err := gopus.NewEncoder(48000, 1, gopus.Audio)
	if err != nil {
		_ = conn.ws.Close()
		_ = conn.udp.Close()
		return errf(ErrEncode, err, "creating opus encoder")
	}

	s.cmds = make(chan command, commandQueueSize)
	s.quit = make(chan struct{})
	s.tr = &transport{
		log:       s.log,
		ws:        conn.ws,
		udp:       conn.udp,
		dest:      conn.dest,
		commands:  s.cmds,
		quit:      s.quit,
		done:      make(chan struct{}),
		ssrc:      conn.ssrc,
		key:       conn.key,
		heartbeat: time.Duration(conn.heartbeat) * time.Millisecond,
		encoder:   encoder,
		stats:     &sessionStats{},
	}
	s.info = SessionInfo{
		ID:        uuid.NewString(),
		ServerID:  serverID,
		Endpoint:  cleanEndpoint(endpoint),
		SSRC:      conn.ssrc,
		StartedAt: time.Now(),
	}

	s.log.Info("voice connected",
		"session", s.info.ID,
		"endpoint", s.info.Endpoint,
		"ssrc", conn.ssrc,
	)

	go drainControl(conn.ws, s.log)
	go s.tr.run()
	if s.journal != nil {
		s.journal.Started(s.info)
		go s.finalize(s.tr, s.info)
	}
	return nil
}

// deactivateLocked disconnects the current command queue, if any, and
// installs a fresh one on the next activation. The old loop exits on its
// next drain; no other signaling is needed.
func (s *Session) deactivateLocked() {
	if s.quit == nil {
		return
	}
	close(s.quit)
	s.quit = nil
	s.cmds = nil
}

// finalize writes the journal entry for a session once its loop exits.
func (s *Session) finalize(tr *transport, info SessionInfo) {
	<-tr.done
	s.journal.Ended(info, tr.stats.Snapshot(), tr.err)
}
