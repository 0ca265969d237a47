package voice

import (
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
)

// connectParams is everything the handshake engine needs to bring up a
// session.
type connectParams struct {
	ServerID  string
	UserID    string
	SessionID string
	Token     string
	Endpoint  string
	Logger    *slog.Logger
}

// connection bundles the live resources a completed handshake yields.
// Ownership passes to the transport loop.
type connection struct {
	ws        *websocket.Conn
	udp       *net.UDPConn
	dest      *net.UDPAddr
	ssrc      uint32
	key       [32]byte
	heartbeat int // milliseconds, server-supplied
}

// cleanEndpoint strips the legacy :80 suffix some voice-server events
// still carry; the scheme is upgraded to wss regardless.
func cleanEndpoint(endpoint string) string {
	return strings.TrimSuffix(endpoint, ":80")
}

// connect dials the relay's control websocket and runs the handshake.
// It is synchronous; any failure leaves no resources behind and the
// session stays idle.
func connect(p connectParams) (*connection, error) {
	host := cleanEndpoint(p.Endpoint)
	u, err := url.Parse("wss://" + host)
	if err != nil || u.Host == "" {
		return nil, errf(ErrInvalidURL, err, "parsing endpoint %q", p.Endpoint)
	}

	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, errf(ErrIO, err, "dialing voice websocket %s", u.String())
	}

	conn, err := performHandshake(ws, u.Hostname(), p)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}
	return conn, nil
}

// performHandshake runs the fixed handshake sequence on an open control
// websocket: identify, receive the handshake message, UDP IP discovery,
// select protocol, await ready. host is the relay hostname used to
// resolve the media address.
func performHandshake(ws *websocket.Conn, host string, p connectParams) (*connection, error) {
	identify := identifyMessage{
		Op: opIdentify,
		Data: identifyData{
			ServerID:  p.ServerID,
			UserID:    p.UserID,
			SessionID: p.SessionID,
			Token:     p.Token,
		},
	}
	if err := ws.WriteJSON(identify); err != nil {
		return nil, errf(ErrIO, err, "sending identify")
	}

	// The first message must be the handshake; anything else is a
	// protocol violation.
	msg, err := readControl(ws)
	if err != nil {
		return nil, err
	}
	hs, ok := msg.(*handshakeData)
	if !ok {
		return nil, errf(ErrProtocol, nil, "first control message was %s, not handshake", messageName(msg))
	}
	if hs.HeartbeatInterval <= 0 {
		return nil, errf(ErrProtocol, nil, "non-positive heartbeat interval %d", hs.HeartbeatInterval)
	}
	if !hs.hasMode(EncryptionMode) {
		return nil, errf(ErrProtocol, nil, "encryption mode %q unavailable (offered: %v)", EncryptionMode, hs.Modes)
	}

	udp, dest, port, err := discoverAddress(host, hs.Port, hs.SSRC)
	if err != nil {
		return nil, err
	}

	if err := ws.WriteJSON(newSelectProtocol(port)); err != nil {
		_ = udp.Close()
		return nil, errf(ErrIO, err, "sending select protocol")
	}

	key, err := awaitReady(ws, p.Logger)
	if err != nil {
		_ = udp.Close()
		return nil, err
	}

	return &connection{
		ws:        ws,
		udp:       udp,
		dest:      dest,
		ssrc:      hs.SSRC,
		key:       key,
		heartbeat: hs.HeartbeatInterval,
	}, nil
}

// discoverAddress performs the UDP IP-discovery round trip: bind an
// ephemeral socket, send the SSRC to the relay, and read back the port
// the relay observed, which NAT may have rewritten.
func discoverAddress(host string, relayPort uint16, ssrc uint32) (*net.UDPConn, *net.UDPAddr, uint16, error) {
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, nil, 0, errf(ErrIO, err, "binding udp socket")
	}

	dest, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(int(relayPort))))
	if err != nil {
		_ = udp.Close()
		return nil, nil, 0, errf(ErrHostnameResolution, err, "resolving relay address %s:%d", host, relayPort)
	}

	var request [4]byte
	buildDiscoveryRequest(request[:], ssrc)
	if _, err := udp.WriteToUDP(request[:], dest); err != nil {
		_ = udp.Close()
		return nil, nil, 0, errf(ErrIO, err, "sending discovery request")
	}

	response := make([]byte, 256)
	n, _, err := udp.ReadFromUDP(response)
	if err != nil {
		_ = udp.Close()
		return nil, nil, 0, errf(ErrIO, err, "reading discovery response")
	}
	port, ok := parseDiscoveryResponse(response[:n])
	if !ok {
		_ = udp.Close()
		return nil, nil, 0, errf(ErrDecode, nil, "short discovery response (%d bytes)", n)
	}
	return udp, dest, port, nil
}

// awaitReady reads control messages, ignoring unknown opcodes, until the
// ready message arrives and its key can be installed.
func awaitReady(ws *websocket.Conn, log *slog.Logger) ([32]byte, error) {
	for {
		msg, err := readControl(ws)
		if err != nil {
			return [32]byte{}, err
		}
		switch m := msg.(type) {
		case *readyData:
			if m.Mode != EncryptionMode {
				return [32]byte{}, errf(ErrProtocol, nil, "ready mode %q is not %q", m.Mode, EncryptionMode)
			}
			return m.SecretKey, nil
		case *unknownMessage:
			log.Debug("ignoring control message while awaiting ready", "op", m.Op)
		}
	}
}

// readControl reads and decodes one text message from the control
// channel.
func readControl(ws *websocket.Conn) (any, error) {
	messageType, data, err := ws.ReadMessage()
	if err != nil {
		return nil, errf(ErrIO, err, "receiving control message")
	}
	if messageType != websocket.TextMessage {
		return nil, errf(ErrProtocol, nil, "control message was not text")
	}
	return decodeControlMessage(data)
}
