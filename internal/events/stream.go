package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "fairloop:events:"

// DefaultStreamLength caps each session stream (approximate trimming).
const DefaultStreamLength = 10000

// StreamSink appends events to a per-session Redis stream.
type StreamSink struct {
	rdb    redis.UniversalClient
	maxLen int64
	logger *zap.Logger
}

// NewStreamSink creates a stream sink. maxLen <= 0 uses DefaultStreamLength.
func NewStreamSink(rdb redis.UniversalClient, maxLen int64, logger *zap.Logger) *StreamSink {
	if maxLen <= 0 {
		maxLen = DefaultStreamLength
	}
	return &StreamSink{rdb: rdb, maxLen: maxLen, logger: logger}
}

// StreamKey returns the stream holding a session's events.
func StreamKey(sessionID string) string {
	return streamPrefix + sessionID
}

func (s *StreamSink) Emit(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	stream := StreamKey(e.SessionID)
	_, err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type": string(e.Type),
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	return nil
}

// Entry is an event with its stream position.
type Entry struct {
	StreamID string `json:"stream_id"`
	Event    Event  `json:"event"`
}

// Read returns up to count events of a session recorded after the stream ID
// after ("" reads from the beginning).
func (s *StreamSink) Read(ctx context.Context, sessionID, after string, count int64) ([]Entry, error) {
	start := "-"
	if after != "" {
		start = after
	}
	if count <= 0 {
		count = 100
	}
	stream := StreamKey(sessionID)
	// The start bound is inclusive; ask for one extra to drop the cursor itself.
	msgs, err := s.rdb.XRangeN(ctx, stream, start, "+", count+1).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", stream, err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ID == after {
			continue
		}
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			s.logger.Warn("skipping malformed stream entry",
				zap.String("stream", stream), zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		entries = append(entries, Entry{StreamID: msg.ID, Event: e})
		if int64(len(entries)) == count {
			break
		}
	}
	return entries, nil
}
