package amqp

import (
	"encoding/json"
	"errors"
	"time"
)

// RefreshMessage asks the worker to pull the spreadsheet again.
// It carries no data; the worker reads the source itself.
type RefreshMessage struct {
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewRefreshMessage creates a refresh request stamped with the current time.
func NewRefreshMessage(reason string) *RefreshMessage {
	if reason == "" {
		reason = "manual"
	}
	return &RefreshMessage{
		Reason:      reason,
		RequestedAt: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *RefreshMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// RefreshMessageFromJSON parses a message, rejecting ones without a timestamp.
func RefreshMessageFromJSON(data []byte) (*RefreshMessage, error) {
	var msg RefreshMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.RequestedAt.IsZero() {
		return nil, errors.New("refresh message without requested_at")
	}
	return &msg, nil
}
