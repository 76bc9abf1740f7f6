package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/Mesh/internal/domain"
	"github.com/google/uuid"
)

// DataKind is the closed set of direct-channel envelope kinds. Unknown
// kinds received from a peer are ignored, not errored, so newer clients
// can speak to older ones.
type DataKind string

const (
	DataChat                 DataKind = "chat"
	DataReaction             DataKind = "reaction"
	DataTyping               DataKind = "typing"
	DataHeartbeat            DataKind = "heartbeat"
	DataHeartbeatAck         DataKind = "heartbeat-ack"
	DataReconnectInfo        DataKind = "reconnect-info"
	DataRequestIntroductions DataKind = "request-introductions"
	DataPeerIntroduction     DataKind = "peer-introduction"
	DataSpeaking             DataKind = "speaking"
)

func (k DataKind) Known() bool {
	switch k {
	case DataChat, DataReaction, DataTyping, DataHeartbeat, DataHeartbeatAck,
		DataReconnectInfo, DataRequestIntroductions, DataPeerIntroduction,
		DataSpeaking:
		return true
	}
	return false
}

// DataEnvelope is one message on a peer's reliable ordered data channel.
// Delivery order within a peer pair is exact; nothing is guaranteed
// across different peers.
type DataEnvelope struct {
	Kind      DataKind        `json:"kind"`
	SenderID  domain.DeviceID `json:"senderId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	MessageID string          `json:"messageId,omitempty"`
}

type ChatPayload struct {
	Text string `json:"text"`
}

type ReactionPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

type TypingPayload struct {
	Typing bool `json:"typing"`
}

type SpeakingPayload struct {
	Speaking bool `json:"speaking"`
}

// IntroductionPayload names one device an attached peer relays to its
// directly connected neighbours, so detached peers learn of newcomers
// without a rendezvous connection.
type IntroductionPayload struct {
	DeviceID domain.DeviceID `json:"deviceId"`
	Alias    string          `json:"alias,omitempty"`
}

// NewData builds a data envelope. Chat envelopes get a message id so
// reactions can reference them.
func NewData(kind DataKind, sender domain.DeviceID, payload any) (DataEnvelope, error) {
	env := DataEnvelope{
		Kind:      kind,
		SenderID:  sender,
		Timestamp: time.Now().UnixMilli(),
	}
	if kind == DataChat {
		env.MessageID = uuid.NewString()
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return DataEnvelope{}, fmt.Errorf("marshal data payload: %w", err)
		}
		env.Payload = raw
	}
	return env, nil
}

// DecodeData parses a direct-channel message. Every envelope must
// declare a kind; the caller checks Known() and silently skips kinds it
// does not understand.
func DecodeData(data []byte) (DataEnvelope, error) {
	var env DataEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return DataEnvelope{}, fmt.Errorf("decode data envelope: %w", err)
	}
	if env.Kind == "" {
		return DataEnvelope{}, fmt.Errorf("%w: empty", ErrUnknownKind)
	}
	if env.SenderID == "" {
		return DataEnvelope{}, ErrMissingSender
	}
	return env, nil
}

func (e DataEnvelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
