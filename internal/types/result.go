package types

import "time"

// Status is the outcome of one pipeline run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// TranscriptionResult is the output of a completed pipeline run. Ownership
// passes to the result sink once emitted.
type TranscriptionResult struct {
	SessionID string `json:"sessionId"`

	RawText      string  `json:"rawText"`
	Text         string  `json:"text"` // post-processed
	EnhancedText *string `json:"enhancedText,omitempty"`

	TranscriptionDuration time.Duration  `json:"transcriptionDuration"`
	EnhancementDuration   *time.Duration `json:"enhancementDuration,omitempty"`
	AudioDuration         time.Duration  `json:"audioDuration"`

	ModelName string `json:"modelName"`
	Language  string `json:"language,omitempty"`
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// FinalText returns the enhanced text when present, otherwise the
// post-processed text.
func (r *TranscriptionResult) FinalText() string {
	if r.EnhancedText != nil {
		return *r.EnhancedText
	}
	return r.Text
}
