package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/internal/common/logger"
)

// Observer receives every published event. Implementations must be fast or
// hand off internally; publishing is synchronous.
type Observer interface {
	OnEvent(event *Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(event *Event)

// OnEvent calls the function.
func (f ObserverFunc) OnEvent(event *Event) { f(event) }

// Bus fans events out to registered observers. A panicking observer is
// recovered and logged; it never affects the publisher or other observers.
type Bus struct {
	observers []Observer
	mu        sync.RWMutex
	logger    *logger.Logger
}

// NewBus creates an event bus.
func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		logger: log.WithFields(zap.String("component", "event-bus")),
	}
}

// Subscribe registers an observer for all subsequent events.
func (b *Bus) Subscribe(observer Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, observer)
}

// Publish emits a trace-scoped event.
func (b *Bus) Publish(traceID string, eventType EventType, source string, data map[string]interface{}, level ...Level) {
	event := newEvent(traceID, eventType, source, data)
	if len(level) > 0 {
		event.Level = level[0]
	}
	b.dispatch(event)
}

// PublishTaskEvent emits a task-scoped event carrying the task path and the
// reporting agent.
func (b *Bus) PublishTaskEvent(taskID, traceID, taskPath string, eventType EventType, source, agentID string, data map[string]interface{}, errText string) {
	event := newEvent(traceID, eventType, source, data)
	event.TaskID = taskID
	event.TaskPath = taskPath
	event.AgentID = agentID
	event.Error = errText
	if errText != "" {
		event.Level = LevelError
	}
	b.dispatch(event)
}

func (b *Bus) dispatch(event *Event) {
	b.mu.RLock()
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.RUnlock()

	for _, observer := range observers {
		b.safeNotify(observer, event)
	}

	b.logger.Debug("event published",
		zap.String("event_id", event.EventID),
		zap.String("event_type", string(event.Type)),
		zap.String("trace_id", event.TraceID),
		zap.String("task_id", event.TaskID))
}

func (b *Bus) safeNotify(observer Observer, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event observer panicked",
				zap.Any("panic", r),
				zap.String("event_type", string(event.Type)))
		}
	}()
	observer.OnEvent(event)
}
