package wire

import (
	"encoding/binary"
	"math/rand"
	"testing"
)

func framesFor(t *testing.T, msgs []*Message) []byte {
	t.Helper()
	var stream []byte
	for _, msg := range msgs {
		frame, err := Encode(msg, 0)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		stream = append(stream, frame...)
	}
	return stream
}

func TestStreamBufferWholeStream(t *testing.T) {
	msgs := sampleMessages()
	sb := NewStreamBuffer(0)
	sb.Append(framesFor(t, msgs))
	got, errs := sb.Extract()
	if len(errs) != 0 {
		t.Fatalf("errs = %v", errs)
	}
	if len(got) != len(msgs) {
		t.Fatalf("extracted %d messages, want %d", len(got), len(msgs))
	}
	for i := range msgs {
		assertMessagesEqual(t, msgs[i], got[i])
	}
	if sb.Len() != 0 {
		t.Fatalf("buffer should be drained, %d bytes left", sb.Len())
	}
}

func TestStreamBufferChunkingInvariance(t *testing.T) {
	// Splitting the serialized stream at arbitrary offsets yields the same
	// message sequence as feeding it whole.
	msgs := sampleMessages()
	stream := framesFor(t, msgs)
	rng := rand.New(rand.NewSource(1))

	for trial := 0; trial < 50; trial++ {
		sb := NewStreamBuffer(0)
		var got []*Message
		rest := stream
		for len(rest) > 0 {
			n := 1 + rng.Intn(len(rest))
			sb.Append(rest[:n])
			rest = rest[n:]
			out, errs := sb.Extract()
			if len(errs) != 0 {
				t.Fatalf("trial %d: errs = %v", trial, errs)
			}
			got = append(got, out...)
		}
		if len(got) != len(msgs) {
			t.Fatalf("trial %d: extracted %d messages, want %d", trial, len(got), len(msgs))
		}
		for i := range msgs {
			assertMessagesEqual(t, msgs[i], got[i])
		}
	}
}

func TestStreamBufferNeedsMore(t *testing.T) {
	frame := framesFor(t, sampleMessages()[:1])
	sb := NewStreamBuffer(0)

	sb.Append(frame[:3])
	if msgs, errs := sb.Extract(); len(msgs) != 0 || len(errs) != 0 {
		t.Fatal("a partial header should produce nothing")
	}
	sb.Append(frame[3 : len(frame)-1])
	if msgs, errs := sb.Extract(); len(msgs) != 0 || len(errs) != 0 {
		t.Fatal("a partial payload should produce nothing")
	}
	sb.Append(frame[len(frame)-1:])
	msgs, errs := sb.Extract()
	if len(errs) != 0 || len(msgs) != 1 {
		t.Fatalf("complete frame: %d msgs, errs %v", len(msgs), errs)
	}
}

func TestStreamBufferFrameIsolation(t *testing.T) {
	// A malformed frame in the middle of a valid stream is skipped; the
	// frames around it decode normally.
	good := sampleMessages()
	bad := []byte(`{"type":"request","payload":{"id":`)
	var stream []byte
	stream = append(stream, framesFor(t, good[:2])...)
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(bad)))
	stream = append(stream, header...)
	stream = append(stream, bad...)
	stream = append(stream, framesFor(t, good[2:])...)

	sb := NewStreamBuffer(0)
	sb.Append(stream)
	msgs, errs := sb.Extract()
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want exactly one decode failure", errs)
	}
	if len(msgs) != len(good) {
		t.Fatalf("extracted %d messages, want %d", len(msgs), len(good))
	}
	for i := range good {
		assertMessagesEqual(t, good[i], msgs[i])
	}
}

func TestStreamBufferOversizeDiscard(t *testing.T) {
	// An oversize frame is discarded progressively; the next frame decodes.
	good := framesFor(t, sampleMessages()[:1])
	bound := len(good) + 16
	sb := NewStreamBuffer(bound)

	hugeLen := bound * 3
	huge := make([]byte, 4+hugeLen)
	binary.BigEndian.PutUint32(huge, uint32(hugeLen))
	sb.Append(huge[:bound])
	msgs, errs := sb.Extract()
	if len(msgs) != 0 || len(errs) != 1 {
		t.Fatalf("oversize header: %d msgs, errs %v", len(msgs), errs)
	}
	sb.Append(huge[bound:])
	sb.Append(good)
	msgs, errs = sb.Extract()
	if len(msgs) != 1 || len(errs) != 0 {
		t.Fatalf("after discard: %d msgs, errs %v", len(msgs), errs)
	}
	assertMessagesEqual(t, sampleMessages()[0], msgs[0])
}
