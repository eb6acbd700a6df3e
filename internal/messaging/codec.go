package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"image-analysis-backend/internal/core/types"
	"time"

	"github.com/google/uuid"
)

var ErrMalformedMessage = errors.New("malformed message")

// WorkItem is the unit of work placed on the work queue. The image is either
// carried inline in Data (base64 in the JSON encoding) or was offloaded to the
// object store under PayloadKey. Exactly one of the two is set.
type WorkItem struct {
	RequestId   uuid.UUID `json:"request_id"`
	UserId      string    `json:"user_id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Data        []byte    `json:"image_data,omitempty"`
	PayloadKey  string    `json:"payload_key,omitempty"`
	SubmittedAt time.Time `json:"timestamp"`
}

func (w WorkItem) validate() error {
	if w.RequestId == uuid.Nil {
		return fmt.Errorf("%w: work item has no request id", ErrMalformedMessage)
	}
	hasData, hasKey := len(w.Data) > 0, w.PayloadKey != ""
	if hasData == hasKey {
		return fmt.Errorf("%w: work item %s must carry exactly one of image data or payload key", ErrMalformedMessage, w.RequestId)
	}
	return nil
}

func EncodeWorkItem(item WorkItem) ([]byte, error) {
	if err := item.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("error encoding work item: %w", err)
	}
	return data, nil
}

func DecodeWorkItem(data []byte) (WorkItem, error) {
	var item WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		return WorkItem{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := item.validate(); err != nil {
		return WorkItem{}, err
	}
	return item, nil
}

// ResultMessage announces that a request reached a terminal state.
type ResultMessage struct {
	RequestId   uuid.UUID          `json:"request_id"`
	UserId      string             `json:"user_id"`
	Status      types.Status       `json:"status"`
	Predictions []types.Prediction `json:"predictions"`
	Error       string             `json:"error,omitempty"`
	Model       string             `json:"model,omitempty"`

	// Seconds spent decoding and scoring.
	ProcessingTime float64   `json:"processing_time"`
	ImageWidth     int       `json:"image_width,omitempty"`
	ImageHeight    int       `json:"image_height,omitempty"`
	CompletedAt    time.Time `json:"completed_at"`
}

func (r ResultMessage) validate() error {
	if r.RequestId == uuid.Nil {
		return fmt.Errorf("%w: result has no request id", ErrMalformedMessage)
	}
	if !r.Status.Terminal() {
		return fmt.Errorf("%w: result for %s has non terminal status '%s'", ErrMalformedMessage, r.RequestId, r.Status)
	}
	return nil
}

func EncodeResult(result ResultMessage) ([]byte, error) {
	if err := result.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("error encoding result: %w", err)
	}
	return data, nil
}

func DecodeResult(data []byte) (ResultMessage, error) {
	var result ResultMessage
	if err := json.Unmarshal(data, &result); err != nil {
		return ResultMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := result.validate(); err != nil {
		return ResultMessage{}, err
	}
	return result, nil
}
