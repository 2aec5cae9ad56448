package eventlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdcfed/internal/types"
)

// DeadLetter is the envelope written for every record the pipeline gives up on.
type DeadLetter struct {
	ID        string    `json:"id"`
	Stage     string    `json:"stage"`
	Kind      string    `json:"kind"`
	Reason    string    `json:"reason"`
	Topic     string    `json:"topic,omitempty"`
	Partition int       `json:"partition"`
	Offset    int64     `json:"offset"`
	Key       string    `json:"key"`
	Payload   []byte    `json:"payload"`
	FailedAt  time.Time `json:"failed_at"`
}

type DeadLetterQueue struct {
	pub    Publisher
	topic  string
	logger *zap.Logger
}

func NewDeadLetterQueue(pub Publisher, topic string, logger *zap.Logger) *DeadLetterQueue {
	return &DeadLetterQueue{pub: pub, topic: topic, logger: logger}
}

// Send routes the original message, tagged with why it failed.
func (d *DeadLetterQueue) Send(ctx context.Context, stage string, msg Message, cause error) error {
	dl := DeadLetter{
		ID:        uuid.NewString(),
		Stage:     stage,
		Kind:      types.KindOf(cause).String(),
		Reason:    cause.Error(),
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Payload:   msg.Value,
		FailedAt:  time.Now().UTC(),
	}
	b, err := json.Marshal(dl)
	if err != nil {
		return err
	}

	d.logger.Warn("Routing record to dead-letter topic",
		zap.String("id", dl.ID),
		zap.String("stage", stage),
		zap.String("kind", dl.Kind),
		zap.String("key", dl.Key),
		zap.String("reason", dl.Reason))

	return d.pub.Publish(ctx, d.topic, Message{
		Key:   msg.Key,
		Value: b,
		Headers: map[string]string{
			"stage": stage,
			"kind":  dl.Kind,
		},
	})
}

func DecodeDeadLetter(m Message) (DeadLetter, error) {
	var dl DeadLetter
	err := json.Unmarshal(m.Value, &dl)
	return dl, err
}
