package fanout

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/TaviloBreno/chat-laravel-angular/internal/crypto"
)

// Kind selects the pipeline stage a job belongs to.
type Kind string

const (
	KindFanout Kind = "fanout"
	KindNotify Kind = "notify"
)

// JobData references the entities a job works on. Only ids travel through the
// queue; entities are reloaded when the job runs.
type JobData struct {
	MessageID      int64  `msgpack:"message_id,omitempty" json:"message_id,omitempty"`
	ConversationID int64  `msgpack:"conversation_id,omitempty" json:"conversation_id,omitempty"`
	UserID         int64  `msgpack:"user_id,omitempty" json:"user_id,omitempty"`
	SenderID       int64  `msgpack:"sender_id,omitempty" json:"sender_id,omitempty"`
	OwnerID        int64  `msgpack:"owner_id,omitempty" json:"owner_id,omitempty"`
	Action         string `msgpack:"action,omitempty" json:"action,omitempty"`
}

// Job is one unit of queued work.
type Job struct {
	ID         string    `msgpack:"id"`
	Kind       Kind      `msgpack:"kind"`
	EventType  string    `msgpack:"event"`
	Data       JobData   `msgpack:"data"`
	Attempt    int       `msgpack:"attempt"`
	EnqueuedAt time.Time `msgpack:"enqueued_at"`
}

func newJob(kind Kind, eventType string, data JobData, now time.Time) *Job {
	return &Job{
		ID:         crypto.NewJobID().String(),
		Kind:       kind,
		EventType:  eventType,
		Data:       data,
		EnqueuedAt: now,
	}
}

func encodeJob(j *Job) ([]byte, error) {
	return msgpack.Marshal(j)
}

func decodeJob(b []byte) (*Job, error) {
	j := &Job{}
	if err := msgpack.Unmarshal(b, j); err != nil {
		return nil, err
	}
	return j, nil
}
