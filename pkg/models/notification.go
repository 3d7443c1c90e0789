package models

import (
	"encoding/json"
	"time"
)

// Server-to-client WebSocket message types.
const (
	MessageTypeConnection    = "connection"
	MessageTypeAuthenticated = "authenticated"
	MessageTypeError         = "error"
	MessageTypeNotification  = "notification"
)

// NotificationMessage is the envelope for every server-to-client message.
type NotificationMessage struct {
	Type      string           `json:"type"`
	Data      NotificationData `json:"data"`
	Timestamp time.Time        `json:"timestamp"`
}

// NotificationData carries the optional payload fields of a message.
type NotificationData struct {
	InferenceID  string          `json:"inferenceId,omitempty"`
	Status       JobStatus       `json:"status,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Message      string          `json:"message,omitempty"`
	Success      *bool           `json:"success,omitempty"`
	UserID       string          `json:"userId,omitempty"`
}
