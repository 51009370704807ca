package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/fitsflow/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeStretchImage = "fits:stretch"

var ErrInvalidPayload = errors.New("invalid stretch payload")

type StretchPayload struct {
	JobID       string               `json:"job_id"`
	UserID      string               `json:"user_id,omitempty"`
	SourceType  string               `json:"source_type"`
	WebhookURL  string               `json:"webhook_url,omitempty"`
	ObjectKey   string               `json:"object_key"`
	Steps       []domain.StretchStep `json:"steps"`
	RequestedAt time.Time            `json:"requested_at"`
}

func NewStretchTask(payload StretchPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal stretch payload: %w", err)
	}
	return asynq.NewTask(TypeStretchImage, body), nil
}

// ParseStretchPayload decodes a task body. Payloads without a job id or steps are rejected
// with ErrInvalidPayload since retrying them cannot succeed.
func ParseStretchPayload(task *asynq.Task) (StretchPayload, error) {
	var payload StretchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return StretchPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(payload.JobID) == "" {
		return StretchPayload{}, fmt.Errorf("%w: job_id is required", ErrInvalidPayload)
	}
	if len(payload.Steps) == 0 {
		return StretchPayload{}, fmt.Errorf("%w: steps are required", ErrInvalidPayload)
	}
	return payload, nil
}
