package transport

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	raw := Encode(KindAudioOut, payload)

	kind, got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if kind != KindAudioOut {
		t.Fatalf("expected kind %v, got %v", KindAudioOut, kind)
	}
	if string(got) != string(payload) {
		t.Fatalf("expected payload %v, got %v", payload, got)
	}
}

func TestEncodeEmptyPayload(t *testing.T) {
	raw := Encode(KindSystem, nil)
	kind, payload, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if kind != KindSystem || len(payload) != 0 {
		t.Fatalf("unexpected decode result: kind=%v payload=%v", kind, payload)
	}
}

func TestDecodeRejectsShortMessage(t *testing.T) {
	if _, _, err := Decode([]byte{0x00, 0x00}); err == nil {
		t.Fatal("expected an error for a too-short message")
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	raw := Encode(KindControl, []byte("hello"))
	raw[3] = 0xFF // corrupt the declared length
	if _, _, err := Decode(raw); err == nil {
		t.Fatal("expected an error for a length/payload mismatch")
	}
}
