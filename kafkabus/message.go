package kafkabus

import (
	"maps"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/roadrunner-server/errors"
	"github.com/roadrunner-server/harness/testerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is one record to produce. Value may be []byte or string (sent
// as is), nil (tombstone) or anything else (sent as JSON text).
type Message struct {
	Key       []byte
	Value     any
	Partition *int32
	Headers   map[string]string
	Timestamp time.Time
}

type ProduceRequest struct {
	Topic    string
	Messages []Message
}

// ConsumedMessage is a record as read back from a topic.
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte
}

type ConsumeQuery struct {
	Topic         string
	GroupID       string
	FromBeginning bool
	// Timeout is a hard deadline for the whole call, 0 means the bus timeout.
	Timeout time.Duration
	// MaxMessages ends the call as soon as that many messages arrived, 0 means 10.
	MaxMessages int
	// AutoCommit defaults to true.
	AutoCommit *bool
	// StopWhen, if set, ends the call right after the first message it accepts.
	StopWhen func(ConsumedMessage) bool
}

// Partition returns a pointer to p, for Message.Partition.
func Partition(p int32) *int32 {
	return &p
}

// Bool returns a pointer to b, for ConsumeQuery.AutoCommit.
func Bool(b bool) *bool {
	return &b
}

func encodeValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return val, nil
	case string:
		return []byte(val), nil
	case json.RawMessage:
		return val, nil
	default:
		return json.Marshal(val)
	}
}

// toRecords serializes a produce request. Records without an explicit
// partition carry -1 and are placed by the partitioner.
func toRecords(req ProduceRequest, now time.Time) ([]*kgo.Record, error) {
	const op = errors.Op("kafkabus_to_records")

	records := make([]*kgo.Record, 0, len(req.Messages))
	for i := range req.Messages {
		m := &req.Messages[i]

		value, err := encodeValue(m.Value)
		if err != nil {
			return nil, errors.E(op, errors.Errorf("message #%d: %v", i, err))
		}

		rec := &kgo.Record{
			Topic:     req.Topic,
			Key:       m.Key,
			Value:     value,
			Partition: -1,
			Timestamp: m.Timestamp,
		}

		if m.Partition != nil {
			if *m.Partition < 0 {
				return nil, errors.E(op, errors.Errorf("message #%d: negative partition %d", i, *m.Partition))
			}
			rec.Partition = *m.Partition
		}

		if rec.Timestamp.IsZero() {
			rec.Timestamp = now
		}

		for _, k := range slices.Sorted(maps.Keys(m.Headers)) {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(m.Headers[k])})
		}

		records = append(records, rec)
	}

	return records, nil
}

func fromRecord(r *kgo.Record) ConsumedMessage {
	m := ConsumedMessage{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Timestamp: r.Timestamp,
	}

	if len(r.Headers) > 0 {
		m.Headers = make(map[string][]byte, len(r.Headers))
		// only the last header per key is kept
		for _, h := range r.Headers {
			m.Headers[h.Key] = h.Value
		}
	}

	return m
}

// ParseMessage decodes a JSON value and falls back to the raw text when the
// value is not JSON. A nil value yields nil.
func ParseMessage(m ConsumedMessage) any {
	if m.Value == nil {
		return nil
	}

	var v any
	if err := json.Unmarshal(m.Value, &v); err != nil {
		return string(m.Value)
	}

	return v
}

// ParseInto decodes a JSON value into v.
func ParseInto(m ConsumedMessage, v any) error {
	if err := json.Unmarshal(m.Value, v); err != nil {
		return testerr.Wrap(testerr.Validation, "DECODE_ERROR", err,
			"failed to decode message from "+m.Topic+": "+err.Error())
	}

	return nil
}
