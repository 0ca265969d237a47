package voice

import (
	"encoding/json"
	"fmt"
)

// EncryptionMode is the only transport encryption mode the client speaks.
const EncryptionMode = "xsalsa20_poly1305"

// Control channel opcodes. Ops 0, 1, 3 and 5 are sent by the client;
// ops 2 and 4 are received from the relay.
const (
	opIdentify       = 0
	opSelectProtocol = 1
	opHandshake      = 2
	opKeepalive      = 3
	opReady          = 4
	opSpeaking       = 5
)

// VoiceStateUpdate is the voice-state event forwarded from the parent
// gateway connection. A nil ChannelID means the local user left the
// voice channel.
type VoiceStateUpdate struct {
	UserID    string  `json:"user_id"`
	SessionID string  `json:"session_id"`
	ChannelID *string `json:"channel_id"`
}

// VoiceServerUpdate is the voice-server event forwarded from the parent
// gateway connection. A nil Endpoint means the current voice server went
// away and the session must be torn down.
type VoiceServerUpdate struct {
	ServerID string  `json:"server_id"`
	Endpoint *string `json:"endpoint"`
	Token    string  `json:"token"`
}

// ParseGatewayEvent decodes one newline-delimited gateway event of the
// form {"t":"VOICE_STATE_UPDATE","d":{...}}. Events other than the two
// voice events are returned as nil with no error; the session controller
// ignores them anyway.
func ParseGatewayEvent(data []byte) (any, error) {
	var env struct {
		Type string          `json:"t"`
		Data json.RawMessage `json:"d"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errf(ErrDecode, err, "parsing gateway event envelope")
	}
	switch env.Type {
	case "VOICE_STATE_UPDATE":
		ev := &VoiceStateUpdate{}
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, errf(ErrDecode, err, "parsing voice state update")
		}
		return ev, nil
	case "VOICE_SERVER_UPDATE":
		ev := &VoiceServerUpdate{}
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, errf(ErrDecode, err, "parsing voice server update")
		}
		return ev, nil
	}
	return nil, nil
}

// identifyMessage is the op 0 handshake sent right after the websocket
// opens.
type identifyMessage struct {
	Op   int          `json:"op"`
	Data identifyData `json:"d"`
}

type identifyData struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// selectProtocolMessage is the op 1 acknowledgement of IP discovery. The
// address field is deliberately empty: the relay uses the source address
// of the discovery packet.
type selectProtocolMessage struct {
	Op   int                `json:"op"`
	Data selectProtocolData `json:"d"`
}

type selectProtocolData struct {
	Protocol string       `json:"protocol"`
	Data     protocolInfo `json:"data"`
}

type protocolInfo struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

func newSelectProtocol(port uint16) selectProtocolMessage {
	return selectProtocolMessage{
		Op: opSelectProtocol,
		Data: selectProtocolData{
			Protocol: "udp",
			Data:     protocolInfo{Address: "", Port: port, Mode: EncryptionMode},
		},
	}
}

// keepaliveMessage is the op 3 application-level liveness ping; the
// payload is always null.
type keepaliveMessage struct {
	Op   int `json:"op"`
	Data any `json:"d"`
}

// speakingMessage is the op 5 speaking-state announcement.
type speakingMessage struct {
	Op   int          `json:"op"`
	Data speakingData `json:"d"`
}

type speakingData struct {
	Speaking bool `json:"speaking"`
	Delay    int  `json:"delay"`
}

// handshakeData is the op 2 message the relay must send first.
type handshakeData struct {
	HeartbeatInterval int      `json:"heartbeat_interval"`
	Port              uint16   `json:"port"`
	SSRC              uint32   `json:"ssrc"`
	Modes             []string `json:"modes"`
}

func (h *handshakeData) hasMode(mode string) bool {
	for _, m := range h.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// readyData is the op 4 message carrying the session's symmetric key.
type readyData struct {
	Mode      string   `json:"mode"`
	SecretKey [32]byte `json:"secret_key"`
}

// unknownMessage is any inbound control message with an unrecognized
// opcode; logged and otherwise ignored.
type unknownMessage struct {
	Op  int
	Raw json.RawMessage
}

// decodeControlMessage decodes one inbound control-channel message into
// *handshakeData, *readyData, or *unknownMessage.
func decodeControlMessage(data []byte) (any, error) {
	var env struct {
		Op   int             `json:"op"`
		Data json.RawMessage `json:"d"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errf(ErrDecode, err, "parsing control message envelope")
	}
	switch env.Op {
	case opHandshake:
		msg := &handshakeData{}
		if err := json.Unmarshal(env.Data, msg); err != nil {
			return nil, errf(ErrDecode, err, "parsing handshake message")
		}
		return msg, nil
	case opReady:
		msg := &readyData{}
		if err := json.Unmarshal(env.Data, msg); err != nil {
			return nil, errf(ErrDecode, err, "parsing ready message")
		}
		return msg, nil
	}
	return &unknownMessage{Op: env.Op, Raw: env.Data}, nil
}

func messageName(msg any) string {
	switch m := msg.(type) {
	case *handshakeData:
		return "handshake"
	case *readyData:
		return "ready"
	case *unknownMessage:
		return fmt.Sprintf("unknown(op=%d)", m.Op)
	default:
		return fmt.Sprintf("%T", msg)
	}
}
