package crypto

import "testing"

func TestRandomBytesLength(t *testing.T) {
	b, err := RandomBytes(40)
	if err != nil {
		t.Fatalf("random bytes: %v", err)
	}
	if len(b) != 40 {
		t.Errorf("length: got %d want 40", len(b))
	}
}

func TestRandomBytesVariesAcrossCalls(t *testing.T) {
	a, err := RandomBytes(40)
	if err != nil {
		t.Fatalf("random bytes: %v", err)
	}
	b, err := RandomBytes(40)
	if err != nil {
		t.Fatalf("random bytes: %v", err)
	}
	if string(a) == string(b) {
		t.Error("two calls to RandomBytes produced identical output")
	}
}
