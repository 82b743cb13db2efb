package frame

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		header  any
		payload []byte
	}{
		{"empty payload", Envelope{Type: TypeBargeCancel, Ts: 1, SessionID: "s1"}, nil},
		{"binary payload", AudioChunkHeader{Type: TypeAudioChunk, Ts: 2, SessionID: "s1", Seq: 7, Codec: "pcm16"}, []byte{0x01, 0x02, 0x03, 0xff}},
		{"large payload", Envelope{Type: TypeTTSChunk, Ts: 3, SessionID: "s1"}, bytes.Repeat([]byte{0xAB}, 64*1024)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Encode(tc.header, tc.payload)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			var decodedHeader map[string]any
			payload, err := DecodeHeader(encoded, &decodedHeader)
			if err != nil {
				t.Fatalf("DecodeHeader: %v", err)
			}

			if !bytes.Equal(payload, tc.payload) {
				t.Errorf("payload mismatch: got %v want %v", payload, tc.payload)
			}
		})
	}
}

func TestDecodeFrameTooShort(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3} {
		if _, _, err := Decode(make([]byte, n)); err != ErrFrameTooShort {
			t.Errorf("len %d: got %v, want ErrFrameTooShort", n, err)
		}
	}
}

func TestDecodeHeaderLenInvalid(t *testing.T) {
	// Declares a header of 100 bytes but the frame is much shorter.
	data := make([]byte, 4+10)
	data[3] = 100
	if _, _, err := Decode(data); err != ErrHeaderLenInvalid {
		t.Errorf("got %v, want ErrHeaderLenInvalid", err)
	}
}

func TestDecodeHeaderJSONInvalid(t *testing.T) {
	data := make([]byte, 4)
	bad := []byte("{not json")
	data[3] = byte(len(bad))
	data = append(data, bad...)
	if _, _, err := Decode(data); err != ErrHeaderJSONInvalid {
		t.Errorf("got %v, want ErrHeaderJSONInvalid", err)
	}
}

func TestEncodeProducesCanonicalHeaderLength(t *testing.T) {
	encoded, err := Encode(Envelope{Type: "x", SessionID: "s"}, []byte("payload"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	headerBytes, payload, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(payload) != "payload" {
		t.Errorf("payload = %q", payload)
	}
	if len(headerBytes) == 0 {
		t.Errorf("expected non-empty header bytes")
	}
}
