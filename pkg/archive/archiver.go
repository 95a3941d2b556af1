package archive

import (
	"context"
	"encoding/json"
	"time"

	"github.com/illmade-knight/go-conduit/pkg/types"
	"github.com/rs/zerolog"
)

// FailureRecord is the flattened row shape archived for each captured failure.
type FailureRecord struct {
	MessageID   string    `bigquery:"message_id" json:"messageId"`
	ChannelName string    `bigquery:"channel_name" json:"channelName"`
	Error       string    `bigquery:"error" json:"error"`
	Payload     string    `bigquery:"payload" json:"payload"`
	FailedAt    time.Time `bigquery:"failed_at" json:"failedAt"`
}

// Archiver adapts a Batcher to the channel's FailureObserver contract. It is
// strictly best-effort: when the batcher's buffer is full the record is
// dropped with a warning rather than stalling the pipeline.
type Archiver struct {
	channelName string
	batcher     *Batcher[FailureRecord]
	logger      zerolog.Logger
}

// NewArchiver wires an archiver for one channel onto a running batcher.
func NewArchiver(channelName string, batcher *Batcher[FailureRecord], logger zerolog.Logger) *Archiver {
	return &Archiver{
		channelName: channelName,
		batcher:     batcher,
		logger:      logger.With().Str("component", "Archiver").Str("channel", channelName).Logger(),
	}
}

// ObserveFailure enqueues a record for the captured message.
func (a *Archiver) ObserveFailure(_ context.Context, msg types.Message) {
	record := &FailureRecord{
		MessageID:   msg.ID,
		ChannelName: a.channelName,
		FailedAt:    time.Now().UTC(),
	}
	if msg.ErrorInfo != nil {
		record.Error = msg.ErrorInfo.Message
	}
	if raw, err := json.Marshal(msg); err == nil {
		record.Payload = string(raw)
	}

	select {
	case a.batcher.Input() <- record:
	default:
		a.logger.Warn().Str("msg_id", msg.ID).Msg("Archive buffer full; dropping failure record.")
	}
}
