package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

type SubmitResponse struct {
	RequestId uuid.UUID `json:"request_id"`
	Status    string    `json:"status"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	Message   string    `json:"message"`
}

type StatusResponse struct {
	RequestId       uuid.UUID  `json:"request_id"`
	Status          string     `json:"status"`
	ResultAvailable bool       `json:"result_available"`
	SubmittedAt     time.Time  `json:"submitted_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

type ImageDimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type ResultResponse struct {
	RequestId uuid.UUID `json:"request_id"`
	Status    string    `json:"status"`
	Filename  string    `json:"filename"`

	Predictions   []Prediction `json:"predictions"`
	TopPrediction *Prediction  `json:"top_prediction,omitempty"`
	Error         string       `json:"error,omitempty"`

	Model                 string           `json:"model"`
	ProcessingTimeSeconds float64          `json:"processing_time_seconds"`
	ImageDimensions       *ImageDimensions `json:"image_dimensions,omitempty"`
	CompletedAt           time.Time        `json:"completed_at"`
}

type StatsResponse struct {
	TotalRequests      int64 `json:"total_requests"`
	SubmittedRequests  int64 `json:"submitted_requests"`
	ProcessingRequests int64 `json:"processing_requests"`
	CompletedRequests  int64 `json:"completed_requests"`
	FailedRequests     int64 `json:"failed_requests"`

	// Percentage of requests that reached a terminal state.
	CompletionRate float64 `json:"completion_rate"`

	ActivePushSessions int `json:"active_push_sessions"`
}

type CleanupResponse struct {
	Message string `json:"message"`
	Evicted int    `json:"evicted"`
}

type ListRequestsParams struct {
	Status string `schema:"status"`
	Limit  int    `schema:"limit"`
}

type RequestSummary struct {
	RequestId   uuid.UUID  `json:"request_id"`
	UserId      string     `json:"user_id"`
	Filename    string     `json:"filename"`
	Status      string     `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

const (
	PushConnectionEstablished = "connection_established"
	PushUploadReceived        = "upload_received"
	PushAnalysisResult        = "analysis_result"
	PushPong                  = "pong"
	PushError                 = "error"
)

// PushMessage is the envelope of every message sent over a push session.
type PushMessage struct {
	Type      string          `json:"type"`
	RequestId *uuid.UUID      `json:"request_id,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

const (
	ClientPing      = "ping"
	ClientSubscribe = "subscribe"
)

type ClientMessage struct {
	Type      string `json:"type"`
	RequestId string `json:"request_id,omitempty"`
}
