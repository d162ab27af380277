package syncgroup

import (
	"bytes"
	"encoding/gob"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// MessageType discriminates protocol messages on the broadcast channel.
type MessageType string

const (
	// TypeHeartbeat announces liveness between broadcast rounds.
	TypeHeartbeat MessageType = "heartbeat"
	// TypeElection announces a leadership claim.
	TypeElection MessageType = "election"
	// TypeSync carries a locally changed value to the group.
	TypeSync MessageType = "sync"
	// TypeConflict is reserved for standalone conflict reports;
	// resolution messages currently carry the merged value themselves.
	TypeConflict MessageType = "conflict"
	// TypeResolution carries a value produced by conflict resolution.
	TypeResolution MessageType = "resolution"
	// TypeForceSync asks every participant to re-broadcast a key.
	TypeForceSync MessageType = "force-sync"
)

// Message is the wire unit exchanged between participants. Delivery is
// at-most-once, unordered across senders, best-effort; the protocol
// never depends on a message arriving.
type Message struct {
	ID        string
	Type      MessageType
	Key       string
	Payload   []byte
	Timestamp int64
	SenderID  string
	Checksum  string
}

// EncodeMessage serializes a message with gob for transport.
func EncodeMessage(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage deserializes a message produced by EncodeMessage.
func DecodeMessage(data []byte) (Message, error) {
	dec := gob.NewDecoder(bytes.NewReader(data))
	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Checksum returns the hex form of the payload's xxhash digest.
// Receivers recompute it to detect corruption in transit.
func Checksum(payload []byte) string {
	return strconv.FormatUint(xxhash.Sum64(payload), 16)
}
