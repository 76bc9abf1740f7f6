package mesh

import (
	"testing"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/google/uuid"
)

func TestDecideInitiatorExactlyOneSide(t *testing.T) {
	for i := 0; i < 100; i++ {
		a := domain.DeviceID(uuid.NewString())
		b := domain.DeviceID(uuid.NewString())
		if DecideInitiator(a, b) == DecideInitiator(b, a) {
			t.Fatalf("both or neither side initiates for %s / %s", a, b)
		}
	}
}

func TestDecideInitiatorDeterministic(t *testing.T) {
	a, b := domain.DeviceID("aaa"), domain.DeviceID("bbb")
	for i := 0; i < 3; i++ {
		if !DecideInitiator(a, b) {
			t.Fatal("smaller id must initiate")
		}
		if DecideInitiator(b, a) {
			t.Fatal("larger id must not initiate")
		}
	}
	if DecideInitiator(a, a) {
		t.Error("a device never initiates toward itself")
	}
}
