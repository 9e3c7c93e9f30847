package store

import "github.com/Raekwon-OG/protekt/pkg/types"

// AppendAndQueueSecurityEvent appends a SecurityEvent and enqueues it for
// backend delivery in one call: every subsystem that detects an event needs
// both a durable row and a queued sync fact, and the two must never drift
// apart, so callers go through this helper rather than calling
// AppendSecurityEvent directly.
func AppendAndQueueSecurityEvent(s Store, event *types.SecurityEvent) (int64, error) {
	id, err := s.AppendSecurityEvent(event)
	if err != nil {
		return 0, err
	}

	payload := map[string]any{
		"event_type":   event.EventType,
		"severity":     string(event.Severity),
		"description":  event.Description,
		"file_path":    event.FilePath,
		"process_name": event.ProcessName,
		"details":      event.Details,
		"timestamp":    event.Timestamp,
	}
	if _, err := s.Enqueue(types.QueueSecurityEvent, payload, types.PrioritySecurityEvent); err != nil {
		return id, err
	}
	return id, nil
}
