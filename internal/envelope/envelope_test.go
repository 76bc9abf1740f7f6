package envelope

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeSignalValid(t *testing.T) {
	env, err := NewSignal(SignalOffer, "dev-a", "dev-b", SessionDescription{Type: "offer", SDP: "v=0"})
	if err != nil {
		t.Fatalf("NewSignal: %v", err)
	}
	data, err := DecodeSignal(mustJSON(t, env))
	if err != nil {
		t.Fatalf("DecodeSignal: %v", err)
	}
	if data.Kind != SignalOffer {
		t.Errorf("kind = %q, want %q", data.Kind, SignalOffer)
	}
	desc, err := data.Description()
	if err != nil {
		t.Fatalf("Description: %v", err)
	}
	if desc.SDP != "v=0" {
		t.Errorf("sdp = %q, want %q", desc.SDP, "v=0")
	}
}

func TestDecodeSignalRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"garbage", `{{{`},
		{"unknown kind", `{"kind":"renegotiate","senderId":"a","targetId":"b"}`},
		{"no sender", `{"kind":"offer","targetId":"b","payload":{}}`},
		{"no target", `{"kind":"offer","senderId":"a","payload":{}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeSignal([]byte(tc.data)); err == nil {
				t.Errorf("DecodeSignal(%s) accepted, want error", tc.data)
			}
		})
	}
}

// An offer without sdp must be rejected before it reaches the transport,
// and the rejection must be an error value, not a panic.
func TestDescriptionMissingSDP(t *testing.T) {
	env, err := DecodeSignal([]byte(`{"kind":"offer","senderId":"a","targetId":"b","payload":{"type":"offer"}}`))
	if err != nil {
		t.Fatalf("DecodeSignal: %v", err)
	}
	if _, err := env.Description(); !errors.Is(err, ErrBadDescription) {
		t.Errorf("Description err = %v, want ErrBadDescription", err)
	}
}

func TestCandidatePayload(t *testing.T) {
	env, err := DecodeSignal([]byte(`{"kind":"ice-candidate","senderId":"a","targetId":"b","payload":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host","sdpMid":"0"}}`))
	if err != nil {
		t.Fatalf("DecodeSignal: %v", err)
	}
	cand, err := env.CandidatePayload()
	if err != nil {
		t.Fatalf("CandidatePayload: %v", err)
	}
	if cand.SDPMid == nil || *cand.SDPMid != "0" {
		t.Errorf("sdpMid = %v, want 0", cand.SDPMid)
	}

	empty, err := DecodeSignal([]byte(`{"kind":"ice-candidate","senderId":"a","targetId":"b","payload":{}}`))
	if err != nil {
		t.Fatalf("DecodeSignal: %v", err)
	}
	if _, err := empty.CandidatePayload(); !errors.Is(err, ErrBadCandidate) {
		t.Errorf("CandidatePayload err = %v, want ErrBadCandidate", err)
	}
}

func TestDecodeDataUnknownKindPassesThrough(t *testing.T) {
	// Forward compatibility: a kind from a newer client decodes fine,
	// Known() tells the dispatcher to skip it.
	env, err := DecodeData([]byte(`{"kind":"hologram","senderId":"a","timestamp":1}`))
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if env.Kind.Known() {
		t.Errorf("Known() = true for %q, want false", env.Kind)
	}
}

func TestDecodeDataRequiresKindAndSender(t *testing.T) {
	if _, err := DecodeData([]byte(`{"senderId":"a"}`)); err == nil {
		t.Error("missing kind accepted")
	}
	if _, err := DecodeData([]byte(`{"kind":"chat"}`)); err == nil {
		t.Error("missing sender accepted")
	}
}

func TestChatEnvelopeGetsMessageID(t *testing.T) {
	env, err := NewData(DataChat, "dev-a", ChatPayload{Text: "hi"})
	if err != nil {
		t.Fatalf("NewData: %v", err)
	}
	if env.MessageID == "" {
		t.Error("chat envelope missing messageId")
	}
	hb, err := NewData(DataHeartbeat, "dev-a", nil)
	if err != nil {
		t.Fatalf("NewData: %v", err)
	}
	if hb.MessageID != "" {
		t.Errorf("heartbeat messageId = %q, want empty", hb.MessageID)
	}
}

func mustJSON(t *testing.T, env SignalEnvelope) []byte {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
