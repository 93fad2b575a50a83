package integrity

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestStampValidateRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	payload := make([]byte, PayloadSize)
	r.Read(payload)

	frame, err := Stamp(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frame) != FrameSize {
		t.Fatalf("expected frame of size %d, got %d", FrameSize, len(frame))
	}

	got, ok := Validate(frame)
	if !ok {
		t.Fatal("expected validation to accept a freshly stamped frame")
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("expected decoded payload to equal the original payload")
	}
}

func TestValidateRejectsBitFlip(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, PayloadSize)
	frame, _ := Stamp(payload)

	flipped := append([]byte(nil), frame...)
	flipped[PrefixSize+10] ^= 0xFF

	if _, ok := Validate(flipped); ok {
		t.Fatal("expected validation to reject a bit-flipped frame")
	}
}

func TestValidateRejectsShortFrame(t *testing.T) {
	if _, ok := Validate([]byte{0x01, 0x02}); ok {
		t.Fatal("expected validation to reject a frame shorter than the CRC prefix")
	}
}

func TestStampRejectsWrongPayloadSize(t *testing.T) {
	if _, err := Stamp(make([]byte, PayloadSize-1)); err == nil {
		t.Fatal("expected Stamp to reject a payload of the wrong size")
	}
}
