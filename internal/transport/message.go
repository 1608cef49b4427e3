package transport

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alfredjeanlab/wakurelay/internal/relayerr"
)

// Message is one Waku message.
type Message struct {
	PubsubTopic  string
	ContentTopic string
	Payload      []byte
	Meta         []byte
	// Timestamp is Unix time in nanoseconds.
	Timestamp int64
	Version   uint32
}

// Hash returns the deterministic Waku message hash:
// sha256(pubsubTopic, payload, contentTopic, meta, timestamp as 8 big-endian
// bytes), hex encoded with a 0x prefix.
func (m Message) Hash() string {
	h := sha256.New()
	h.Write([]byte(m.PubsubTopic))
	h.Write(m.Payload)
	h.Write([]byte(m.ContentTopic))
	h.Write(m.Meta)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(m.Timestamp))
	h.Write(ts[:])
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// Time returns the message timestamp.
func (m Message) Time() time.Time { return time.Unix(0, m.Timestamp) }

// envelope is the JSON form of a message on the wire. PubsubTopic is set
// only where the carrier does not already convey it.
type envelope struct {
	PubsubTopic  string `json:"pubsubTopic,omitempty"`
	Payload      string `json:"payload"`
	ContentTopic string `json:"contentTopic"`
	Meta         string `json:"meta,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`
	Version      uint32 `json:"version"`
}

func toEnvelope(m Message) envelope {
	env := envelope{
		Payload:      base64.StdEncoding.EncodeToString(m.Payload),
		ContentTopic: m.ContentTopic,
		Timestamp:    m.Timestamp,
		Version:      m.Version,
	}
	if len(m.Meta) > 0 {
		env.Meta = base64.StdEncoding.EncodeToString(m.Meta)
	}
	return env
}

func (e envelope) message(pubsub string) (Message, error) {
	payload, err := base64.StdEncoding.DecodeString(e.Payload)
	if err != nil {
		return Message{}, fmt.Errorf("decoding payload: %w", err)
	}
	var meta []byte
	if e.Meta != "" {
		if meta, err = base64.StdEncoding.DecodeString(e.Meta); err != nil {
			return Message{}, fmt.Errorf("decoding meta: %w", err)
		}
	}
	if e.PubsubTopic != "" {
		pubsub = e.PubsubTopic
	}
	return Message{
		PubsubTopic:  pubsub,
		ContentTopic: e.ContentTopic,
		Payload:      payload,
		Meta:         meta,
		Timestamp:    e.Timestamp,
		Version:      e.Version,
	}, nil
}

// EncodeEnvelope renders m as {payload, contentTopic, timestamp, version}.
func EncodeEnvelope(m Message) ([]byte, error) {
	data, err := json.Marshal(toEnvelope(m))
	if err != nil {
		return nil, relayerr.New(relayerr.ErrSerialization, "encode envelope", err)
	}
	return data, nil
}

// DecodeEnvelope parses an envelope received on pubsub. A pubsubTopic field
// inside the envelope takes precedence.
func DecodeEnvelope(pubsub string, data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, relayerr.New(relayerr.ErrSerialization, "decode envelope", err)
	}
	if env.ContentTopic == "" {
		return Message{}, relayerr.Errorf(relayerr.ErrSerialization, "envelope has no contentTopic")
	}
	m, err := env.message(pubsub)
	if err != nil {
		return Message{}, relayerr.New(relayerr.ErrSerialization, "decode envelope", err)
	}
	return m, nil
}
