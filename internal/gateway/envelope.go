package gateway

import (
	"encoding/json"
	"fmt"
)

// Envelope is the generic backend response shape. Every endpoint answers
// {success, data?, error?|message?}; non-2xx responses with a parseable body
// are normalized into this shape instead of raised as errors.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// ErrorMessage returns the backend's rejection text, preferring the error
// field over the message field.
func (e Envelope) ErrorMessage() string {
	if e.Error != "" {
		return e.Error
	}
	if e.Message != "" {
		return e.Message
	}
	return "request failed"
}

// DecodeData unmarshals the envelope's data payload into out.
func (e Envelope) DecodeData(out interface{}) error {
	if !e.Success {
		return fmt.Errorf("cannot decode data of failed response: %s", e.ErrorMessage())
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("response data is empty")
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}
