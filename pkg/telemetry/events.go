package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable step of a compile, delivered to subscribers such as
// the watch loop.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the stage that emitted the event.
	Source string `json:"source"`

	// CompileID is the associated compile, if any.
	CompileID string `json:"compile_id,omitempty"`

	// Path is the instance path the event is about, if any.
	Path string `json:"path,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeCompileStarted   = "compile.started"
	EventTypeCompileSucceeded = "compile.succeeded"
	EventTypeCompileFailed    = "compile.failed"
	EventTypePolicyWarning    = "policy.warning"
	EventTypeArtifactsWritten = "artifacts.written"
	EventTypeSourceChanged    = "source.changed"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers, either inline or from a
// background goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish delivers an event to all matching subscribers. A nil or
// disabled publisher drops it.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if !ep.config.EnableAsync {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event %s dropped", event.Type)
	}
}

// PublishCompileStarted publishes a compile started event.
func (ep *EventPublisher) PublishCompileStarted(compileID, url, command string) error {
	return ep.Publish(Event{
		Type:      EventTypeCompileStarted,
		Source:    "compiler",
		CompileID: compileID,
		Message:   fmt.Sprintf("%s of %s started", command, url),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"url":     url,
			"command": command,
		},
	})
}

// PublishCompileSucceeded publishes a compile succeeded event.
func (ep *EventPublisher) PublishCompileSucceeded(compileID string, artifacts int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:      EventTypeCompileSucceeded,
		Source:    "compiler",
		CompileID: compileID,
		Message:   fmt.Sprintf("Compile %s produced %d artifacts", compileID, artifacts),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"artifacts": artifacts,
			"duration":  duration.Seconds(),
		},
	})
}

// PublishCompileFailed publishes a compile failed event.
func (ep *EventPublisher) PublishCompileFailed(compileID, path, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeCompileFailed,
		Source:    "compiler",
		CompileID: compileID,
		Path:      path,
		Message:   fmt.Sprintf("Compile %s failed: %s", compileID, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishPolicyWarning publishes a non-fatal policy finding.
func (ep *EventPublisher) PublishPolicyWarning(path, policy, message string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyWarning,
		Source:  "policy",
		Path:    path,
		Message: fmt.Sprintf("%s: %s", policy, message),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"policy": policy,
		},
	})
}

// PublishArtifactsWritten publishes an event after artifacts hit disk.
func (ep *EventPublisher) PublishArtifactsWritten(compileID, dir string, count int) error {
	return ep.Publish(Event{
		Type:      EventTypeArtifactsWritten,
		Source:    "compiler",
		CompileID: compileID,
		Message:   fmt.Sprintf("Wrote %d artifacts to %s", count, dir),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"dir":   dir,
			"count": count,
		},
	})
}

// PublishSourceChanged publishes a watched file change.
func (ep *EventPublisher) PublishSourceChanged(path string) error {
	return ep.Publish(Event{
		Type:    EventTypeSourceChanged,
		Source:  "watcher",
		Path:    path,
		Message: fmt.Sprintf("%s changed", path),
		Level:   EventLevelInfo,
	})
}

// Subscribe adds a new event subscriber. filter may be nil.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents drains the buffer until shutdown, then flushes what is left.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent calls every matching subscriber in subscription order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}
