package voice

import (
	"encoding/binary"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// headerLen is the fixed RTP-style header size.
	headerLen = 12

	// FrameSamples is the number of samples per frame: 960 samples of
	// mono audio at 48 kHz, i.e. 20 ms.
	FrameSamples = 960

	// FrameBytes is the byte length of one frame of s16le PCM.
	FrameBytes = FrameSamples * 2

	// maxOpusFrame bounds the encoded size of a single Opus frame.
	maxOpusFrame = 256

	// sealOverhead is the Poly1305 authenticator appended by the cipher.
	sealOverhead = secretbox.Overhead
)

// buildHeader writes the 12-byte RTP-style header into buf:
// 0x80 0x78 || sequence:u16 be || timestamp:u32 be || ssrc:u32 be.
func buildHeader(buf []byte, seq uint16, ts uint32, ssrc uint32) {
	buf[0] = 0x80
	buf[1] = 0x78
	binary.BigEndian.PutUint16(buf[2:4], seq)
	binary.BigEndian.PutUint32(buf[4:8], ts)
	binary.BigEndian.PutUint32(buf[8:12], ssrc)
}

// parseHeader reads the (sequence, timestamp, ssrc) triple back out of a
// 12-byte header. ok is false if the buffer is short or the fixed bytes
// do not match.
func parseHeader(buf []byte) (seq uint16, ts uint32, ssrc uint32, ok bool) {
	if len(buf) < headerLen || buf[0] != 0x80 || buf[1] != 0x78 {
		return 0, 0, 0, false
	}
	return binary.BigEndian.Uint16(buf[2:4]),
		binary.BigEndian.Uint32(buf[4:8]),
		binary.BigEndian.Uint32(buf[8:12]),
		true
}

// packetNonce builds the 24-byte sealing nonce: the 12 header bytes
// followed by 12 zero bytes.
func packetNonce(header []byte) [24]byte {
	var nonce [24]byte
	copy(nonce[:headerLen], header[:headerLen])
	return nonce
}

// SealPacket appends the xsalsa20_poly1305-sealed payload to the header,
// producing a complete outbound media packet. The header must be exactly
// 12 bytes and is reused as the first half of the nonce.
func SealPacket(header []byte, payload []byte, key *[32]byte) []byte {
	nonce := packetNonce(header)
	return secretbox.Seal(header[:headerLen:headerLen], payload, &nonce, key)
}

// buildDiscoveryRequest writes the 4-byte IP-discovery request: the
// session SSRC in big-endian.
func buildDiscoveryRequest(buf []byte, ssrc uint32) {
	binary.BigEndian.PutUint32(buf, ssrc)
}

// parseDiscoveryResponse extracts the externally observed port from an
// IP-discovery response: 4 bytes of padding, a little-endian port, and a
// remainder the client ignores.
func parseDiscoveryResponse(buf []byte) (uint16, bool) {
	if len(buf) < 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(buf[4:6]), true
}

// OpenPacket parses and authenticates a media packet produced by
// SealPacket, returning the header triple and the decrypted payload.
func OpenPacket(packet []byte, key *[32]byte) (seq uint16, ts uint32, ssrc uint32, payload []byte, ok bool) {
	seq, ts, ssrc, ok = parseHeader(packet)
	if !ok {
		return 0, 0, 0, nil, false
	}
	nonce := packetNonce(packet)
	payload, ok = secretbox.Open(nil, packet[headerLen:], &nonce, key)
	if !ok {
		return 0, 0, 0, nil, false
	}
	return seq, ts, ssrc, payload, true
}
