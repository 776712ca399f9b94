package changelog

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	sizes := []int{MinPayloadSize, 1, 17, 4096, MaxPayloadSize}
	rng := rand.New(rand.NewSource(1))

	var prev uint64
	for _, n := range sizes {
		payload := make([]byte, n)
		rng.Read(payload)

		buf, err := marshalRecord(UpdateRecord, payload, prev)
		if err != nil {
			t.Fatalf("marshalRecord(size=%d): %v", n, err)
		}
		dr, err := unmarshalRecord(buf)
		if err != nil {
			t.Fatalf("unmarshalRecord(size=%d): %v", n, err)
		}
		if dr.typ != UpdateRecord {
			t.Errorf("type = %v, want UpdateRecord", dr.typ)
		}
		if !bytes.Equal(dr.payload, payload) {
			t.Errorf("payload round trip mismatch for size %d", n)
		}
		if dr.prevOffset != prev {
			t.Errorf("prevOffset = %d, want %d", dr.prevOffset, prev)
		}
		prev += uint64(len(buf))
	}
}

func TestMarshalRecordRejectsOutOfRangeSize(t *testing.T) {
	if _, err := marshalRecord(UpdateRecord, nil, 0); err == nil {
		t.Error("expected error for empty payload")
	}
	oversized := make([]byte, MaxPayloadSize+1)
	if _, err := marshalRecord(UpdateRecord, oversized, 0); err == nil {
		t.Error("expected error for oversized payload")
	}
}

func TestUnmarshalRecordDetectsCorruption(t *testing.T) {
	buf, err := marshalRecord(RemoveRecord, []byte("hello"), 0)
	if err != nil {
		t.Fatalf("marshalRecord: %v", err)
	}

	t.Run("bad magic", func(t *testing.T) {
		corrupt := append([]byte(nil), buf...)
		corrupt[0] ^= 0xFF
		if _, err := unmarshalRecord(corrupt); err == nil {
			t.Error("expected magic corruption to be detected")
		}
	})

	t.Run("bad header crc", func(t *testing.T) {
		corrupt := append([]byte(nil), buf...)
		corrupt[6] ^= 0xFF // inside the crc-header field
		if _, err := unmarshalRecord(corrupt); err == nil {
			t.Error("expected header crc corruption to be detected")
		}
	})

	t.Run("bad trailer", func(t *testing.T) {
		corrupt := append([]byte(nil), buf...)
		corrupt[len(corrupt)-1] ^= 0xFF
		if _, err := unmarshalRecord(corrupt); err == nil {
			t.Error("expected trailer corruption to be detected")
		}
	})
}
