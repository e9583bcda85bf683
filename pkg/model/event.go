package model

import "time"

type EventType string

const (
	EventCacheHit          EventType = "cache_hit"
	EventCacheMiss         EventType = "cache_miss"
	EventCacheEvict        EventType = "cache_evict"
	EventCacheExpire       EventType = "cache_expire"
	EventCacheDrop         EventType = "cache_drop"
	EventBreakerTransition EventType = "breaker_transition"
	EventRetryAttempt      EventType = "retry_attempt"
	EventJobEnqueued       EventType = "job_enqueued"
	EventJobTerminal       EventType = "job_terminal"
	EventJobRequeued       EventType = "job_requeued"
	EventValidationWarning EventType = "validation_warning"
	EventValidationError   EventType = "validation_error"
	EventFallbackServed    EventType = "fallback_served"
	EventGenerated         EventType = "generated"
	EventClarification     EventType = "clarification_requested"
	EventAsyncRedirect     EventType = "async_redirect"
	EventRequestFailed     EventType = "request_failed"
)

// Event is one structured occurrence delivered to the metrics/log sink
type Event struct {
	Type   EventType
	At     time.Time
	Fields map[string]any
}

// NewEvent builds an event. kv is a flat list of key/value pairs.
func NewEvent(typ EventType, at time.Time, kv ...any) Event {
	fields := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return Event{Type: typ, At: at, Fields: fields}
}

// Notification is a job lifecycle message delivered to the owning user
type Notification struct {
	Recipient string    `json:"recipient"`
	Kind      string    `json:"kind"`
	JobID     JobID     `json:"job_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	NotificationJobReady  = "job.ready"
	NotificationJobFailed = "job.failed"
)
