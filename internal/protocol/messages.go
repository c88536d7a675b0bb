package protocol

import "time"

// NarrationRequest carries a game event over the bus.
type NarrationRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Text      string `json:"text"`
	Type      string `json:"type,omitempty"`
	Voice     string `json:"voice,omitempty"`
}

// NarrationReply answers a NarrationRequest. Status mirrors the HTTP
// outcome: success, invalid, voice_not_found or tts_failed.
type NarrationReply struct {
	RequestID     string `json:"request_id,omitempty"`
	Status        string `json:"status"`
	AudioPath     string `json:"audio_path,omitempty"`
	TextProcessed string `json:"text_processed,omitempty"`
	Detail        string `json:"detail,omitempty"`
}

// NarrationReady announces a freshly generated audio artifact.
type NarrationReady struct {
	TraceID       string    `json:"trace_id,omitempty"`
	EventType     string    `json:"type"`
	Voice         string    `json:"voice"`
	AudioPath     string    `json:"audio_path"`
	TextProcessed string    `json:"text_processed"`
	Rewritten     bool      `json:"rewritten"`
	Timestamp     time.Time `json:"timestamp"`
}

const (
	ReplySuccess       = "success"
	ReplyInvalid       = "invalid"
	ReplyVoiceNotFound = "voice_not_found"
	ReplyTTSFailed     = "tts_failed"
	ReplyInternal      = "internal_error"
)

const (
	SubjectNarrationReady   = "narrator.audio.ready"
	SubjectNarrationRequest = "narrator.event"
	QueueNarrators          = "narrators"
)
