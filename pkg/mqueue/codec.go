package mqueue

import "encoding/json"

type wireTask struct {
	ID         string `json:"id"`
	Topic      string `json:"topic"`
	Payload    []byte `json:"payload"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

func encodeTask(t Task) ([]byte, error) {
	return json.Marshal(wireTask{
		ID:         t.ID,
		Topic:      t.Topic,
		Payload:    t.Payload,
		EnqueuedAt: t.EnqueuedAt,
	})
}

func decodeTask(raw []byte) (Task, error) {
	var w wireTask
	if err := json.Unmarshal(raw, &w); err != nil {
		return Task{}, err
	}
	return Task{
		ID:         w.ID,
		Topic:      w.Topic,
		Payload:    w.Payload,
		EnqueuedAt: w.EnqueuedAt,
	}, nil
}
