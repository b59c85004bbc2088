package relay

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strconv"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	payload, err := EncodeSocketFrame(KindText, Envelope{Kind: KindText, Message: "xin chào"})
	if err != nil {
		t.Fatalf("EncodeSocketFrame failed: %v", err)
	}
	if err := WriteFrame(&buf, payload, 0); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buf, 0)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}

	frameType, data, err := DecodeSocketFrame(got)
	if err != nil {
		t.Fatalf("DecodeSocketFrame failed: %v", err)
	}
	if frameType != KindText {
		t.Fatalf("unexpected frame type %q", frameType)
	}

	env, err := DecodeEnvelope(frameType, data)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if env.Message != "xin chào" {
		t.Fatalf("unexpected message %q", env.Message)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	payload := make([]byte, 1024)

	if err := WriteFrame(&buf, payload, 512); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("oversized frame wrote %d bytes", buf.Len())
	}
}

func TestReadFrameRejectsHostileLengthPrefix(t *testing.T) {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, 1<<30)

	_, err := ReadFrame(bytes.NewReader(header), 1024)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameLimitBeyondFourGiB(t *testing.T) {
	if strconv.IntSize == 32 {
		t.Skip("requires a 64-bit int")
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, make([]byte, 2048), 0); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	// A limit past 4 GiB must not wrap around and shrink below the frame.
	limit := int(int64(1)<<32 + 1024)
	got, err := ReadFrame(&buf, limit)
	if err != nil {
		t.Fatalf("frame rejected under an oversized limit: %v", err)
	}
	if len(got) != 2048 {
		t.Fatalf("read %d bytes, want 2048", len(got))
	}
}

func TestReadFrameSignalsEOFOnPeerClose(t *testing.T) {
	if _, err := ReadFrame(bytes.NewReader(nil), 0); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF on empty stream, got %v", err)
	}

	// Truncated mid-frame is still end-of-stream, not a parse failure.
	var buf bytes.Buffer
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, 100)
	buf.Write(header)
	buf.WriteString("short")

	if _, err := ReadFrame(&buf, 0); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF on truncated frame, got %v", err)
	}
}

func TestDecodeSocketFrameRejectsMalformedBody(t *testing.T) {
	if _, _, err := DecodeSocketFrame([]byte("not json")); err == nil {
		t.Fatal("expected error for malformed JSON body")
	}
	if _, _, err := DecodeSocketFrame([]byte(`{"data":{}}`)); !errors.Is(err, ErrInvalidFrameType) {
		t.Fatalf("expected ErrInvalidFrameType, got %v", err)
	}
}

func TestNormalizeFoldsContentIntoMessage(t *testing.T) {
	env := Envelope{Kind: KindText, Content: "hello"}
	env.Normalize()
	if env.Message != "hello" || env.Content != "hello" {
		t.Fatalf("normalize did not mirror body fields: %+v", env)
	}
	if env.Timestamp == "" {
		t.Fatal("normalize did not stamp timestamp")
	}

	env = Envelope{Kind: KindText, Message: "primary", Content: "secondary"}
	env.Normalize()
	if env.Message != "primary" || env.Content != "primary" {
		t.Fatalf("message field should win over content: %+v", env)
	}
}

func TestIsRoutableKindClosedSet(t *testing.T) {
	for _, kind := range []string{
		KindText, KindPrivateText, KindPresenceSnapshot, KindFileAnnounce,
		KindCallRequest, KindMediaFrame, KindError,
	} {
		if !IsRoutableKind(kind) {
			t.Fatalf("%q should be routable", kind)
		}
	}
	for _, kind := range []string{TypeUploadStart, TypeFileChunk, TypeLogin, "bogus", ""} {
		if IsRoutableKind(kind) {
			t.Fatalf("%q should not be routable", kind)
		}
	}
}
