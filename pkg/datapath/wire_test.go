package datapath

import (
	"bytes"
	"testing"

	"github.com/StefanGC1/peerbridge/pkg/pbcrypto"
)

func TestAttachHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	attachHeader(buf, Message, 42, 0)

	if !bytes.Equal(buf[0:4], []byte{0x12, 0x34, 0x56, 0x78}) {
		t.Fatalf("magic = % x", buf[0:4])
	}
	if !bytes.Equal(buf[4:6], []byte{0x00, 0x01}) {
		t.Fatalf("version = % x", buf[4:6])
	}
	if buf[6] != 0x03 {
		t.Fatalf("type = %x, want 0x03", buf[6])
	}
	if !bytes.Equal(buf[8:12], []byte{0x00, 0x00, 0x00, 0x2A}) {
		t.Fatalf("seq = % x", buf[8:12])
	}

	h, err := parseHeader(buf)
	if err != nil {
		t.Fatalf("parseHeader: %v", err)
	}
	if h.packetType != Message || h.seq != 42 {
		t.Fatalf("parsed header = %+v", h)
	}
}

func TestParseHeaderRejectsShortBuffer(t *testing.T) {
	if _, err := parseHeader(make([]byte, 8)); err != ErrShortPacket {
		t.Fatalf("got %v, want ErrShortPacket", err)
	}
}

func TestParseHeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, 16)
	attachHeader(buf, HolePunch, 1, 0)
	buf[0] = 0x00
	if _, err := parseHeader(buf); err != ErrBadMagic {
		t.Fatalf("got %v, want ErrBadMagic", err)
	}
}

func TestFrameAndOpenMessageRoundTrip(t *testing.T) {
	a, _ := pbcrypto.GenerateIdentity()
	b, _ := pbcrypto.GenerateIdentity()
	sa, err := a.DeriveShared(b.PublicKey)
	if err != nil {
		t.Fatalf("derive a->b: %v", err)
	}
	sb, err := b.DeriveShared(a.PublicKey)
	if err != nil {
		t.Fatalf("derive b->a: %v", err)
	}

	inner := []byte{0x45, 0x00, 0x00, 0x14, 1, 2, 3, 4}
	datagram, err := frameMessage(sa, 7, inner)
	if err != nil {
		t.Fatalf("frameMessage: %v", err)
	}

	h, err := parseHeader(datagram)
	if err != nil {
		t.Fatalf("parseHeader: %v", err)
	}
	if h.packetType != Message || h.seq != 7 || int(h.typeField) != len(inner) {
		t.Fatalf("header = %+v", h)
	}

	plaintext, err := openMessage(sb, h, datagram[headerSize:])
	if err != nil {
		t.Fatalf("openMessage: %v", err)
	}
	if !bytes.Equal(plaintext, inner) {
		t.Fatalf("plaintext = %v, want %v", plaintext, inner)
	}
}

func TestFrameMessageRejectsOversizedPayload(t *testing.T) {
	a, _ := pbcrypto.GenerateIdentity()
	b, _ := pbcrypto.GenerateIdentity()
	secret, _ := a.DeriveShared(b.PublicKey)

	huge := make([]byte, MaxDatagramSize)
	if _, err := frameMessage(secret, 1, huge); err != ErrMessageTooLarge {
		t.Fatalf("got %v, want ErrMessageTooLarge", err)
	}
}

func TestOpenMessageRejectsBadInnerLen(t *testing.T) {
	a, _ := pbcrypto.GenerateIdentity()
	b, _ := pbcrypto.GenerateIdentity()
	sa, _ := a.DeriveShared(b.PublicKey)
	sb, _ := b.DeriveShared(a.PublicKey)

	inner := []byte{1, 2, 3, 4}
	datagram, err := frameMessage(sa, 1, inner)
	if err != nil {
		t.Fatalf("frameMessage: %v", err)
	}
	h, _ := parseHeader(datagram)
	h.typeField = 1000 // lies about the inner length

	if _, err := openMessage(sb, h, datagram[headerSize:]); err != ErrShortPacket {
		t.Fatalf("got %v, want ErrShortPacket", err)
	}
}
