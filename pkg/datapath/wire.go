// Package datapath implements the UDP overlay protocol: framing, per-peer
// authenticated encryption, hole punching, keep-alive, timeout eviction and
// the single-threaded executor that owns the peer table.
package datapath

import (
	"encoding/binary"
	"errors"

	"github.com/StefanGC1/peerbridge/pkg/pbcrypto"
)

// PacketType identifies the kind of datagram following the fixed header.
type PacketType uint8

const (
	HolePunch  PacketType = 0x01
	Heartbeat  PacketType = 0x02
	Message    PacketType = 0x03
	Ack        PacketType = 0x04
	Disconnect PacketType = 0x05
)

const (
	magicNumber    uint32 = 0x12345678
	protoVersion   uint16 = 1
	headerSize            = 16
	// MaxDatagramSize is the largest UDP payload the overlay will ever
	// write or accept, matching the practical IPv4 UDP ceiling.
	MaxDatagramSize = 65507
	messageOverhead = headerSize + pbcrypto.NonceSize + pbcrypto.MACSize
)

// ErrShortPacket is returned when a buffer is too small to hold a valid
// header or, for MESSAGE, the authenticated-box framing.
var ErrShortPacket = errors.New("datapath: packet too short")

// ErrBadMagic is returned when the header's magic number does not match.
var ErrBadMagic = errors.New("datapath: bad magic number")

// ErrBadVersion is returned when the header's protocol version is unknown.
var ErrBadVersion = errors.New("datapath: unsupported protocol version")

// ErrMessageTooLarge is returned by frameMessage when the framed datagram
// would exceed MaxDatagramSize.
var ErrMessageTooLarge = errors.New("datapath: message too large")

// header is the 16-byte fixed prefix of every datagram.
type header struct {
	packetType PacketType
	seq        uint32
	typeField  uint32
}

// attachHeader writes a 16-byte header into buf[:16]. buf must be at least
// 16 bytes long.
func attachHeader(buf []byte, t PacketType, seq uint32, typeField uint32) {
	binary.BigEndian.PutUint32(buf[0:4], magicNumber)
	binary.BigEndian.PutUint16(buf[4:6], protoVersion)
	buf[6] = byte(t)
	buf[7] = 0
	binary.BigEndian.PutUint32(buf[8:12], seq)
	binary.BigEndian.PutUint32(buf[12:16], typeField)
}

// parseHeader validates and extracts the fixed header from buf.
func parseHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, ErrShortPacket
	}
	if binary.BigEndian.Uint32(buf[0:4]) != magicNumber {
		return header{}, ErrBadMagic
	}
	if binary.BigEndian.Uint16(buf[4:6]) != protoVersion {
		return header{}, ErrBadVersion
	}
	return header{
		packetType: PacketType(buf[6]),
		seq:        binary.BigEndian.Uint32(buf[8:12]),
		typeField:  binary.BigEndian.Uint32(buf[12:16]),
	}, nil
}

// bareHeaderPacket builds a complete 16-byte datagram for header-only packet
// types (everything but MESSAGE).
func bareHeaderPacket(t PacketType, seq uint32) []byte {
	buf := make([]byte, headerSize)
	attachHeader(buf, t, seq, 0)
	return buf
}

// frameMessage builds a complete MESSAGE datagram: header || nonce || mac ||
// ciphertext, encrypting innerIP under secret.
func frameMessage(secret pbcrypto.SharedSecret, seq uint32, innerIP []byte) ([]byte, error) {
	if messageOverhead+len(innerIP) > MaxDatagramSize {
		return nil, ErrMessageTooLarge
	}

	sealed, err := pbcrypto.Seal(secret, innerIP)
	if err != nil {
		return nil, err
	}

	out := make([]byte, headerSize+len(sealed))
	attachHeader(out, Message, seq, uint32(len(innerIP)))
	copy(out[headerSize:], sealed)
	return out, nil
}

// openMessage validates and decrypts a MESSAGE datagram's body (everything
// after the 16-byte header), returning the inner IP packet.
func openMessage(secret pbcrypto.SharedSecret, h header, body []byte) ([]byte, error) {
	if len(body) < pbcrypto.NonceSize+pbcrypto.MACSize {
		return nil, ErrShortPacket
	}
	if int(h.typeField) > len(body)-pbcrypto.NonceSize-pbcrypto.MACSize {
		return nil, ErrShortPacket
	}
	plaintext, err := pbcrypto.Open(secret, body)
	if err != nil {
		return nil, err
	}
	return plaintext[:h.typeField], nil
}
