package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/ticketflow/metrics"
	"github.com/songzhibin97/ticketflow/types"
	"go.uber.org/zap"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Event types published by the engine.
const (
	ProcessStarted   = "process_started"
	StepSubmitted    = "step_submitted"
	ProcessCompleted = "process_completed"
	ProcessClaimed   = "process_claimed"
)

// Event describes something that happened to a process.
type Event struct {
	Type      string
	ProcessID uint64
	RefID     string
	FormID    uint64
	FormName  string
	Actor     string
	StepTitle string
	Decision  types.Decision
	Comment   string
	At        time.Time

	// Answers snapshots the submitted values in field order.
	Answers []Answer
}

// Answer is one labelled value of a submission.
type Answer struct {
	Label string
	Value string
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// EventBus manages event subscriptions and publishing.
type EventBus struct {
	handlers     map[string][]EventHandler
	mu           sync.RWMutex
	eventCh      chan Event
	errHandler   func(event Event, err error)
	errHandlerMu sync.RWMutex
	logger       *zap.Logger
	timeout      time.Duration
	wg           sync.WaitGroup
	closed       bool
	closeMu      sync.RWMutex
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler sets a custom error handler function.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errHandlerMu.Lock()
		defer eb.errHandlerMu.Unlock()
		eb.errHandler = handler
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(logger *zap.Logger) EventBusOption {
	return func(eb *EventBus) {
		eb.logger = logger
	}
}

// WithHandlerTimeout bounds each asynchronous dispatch.
func WithHandlerTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) {
		eb.timeout = d
	}
}

// NewEventBus creates a new EventBus instance with async processing.
// The default buffer size is 100 and handler errors are logged.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers: make(map[string][]EventHandler),
		eventCh:  make(chan Event, 100),
		logger:   zap.NewNop(),
		timeout:  30 * time.Second,
	}
	eb.errHandler = eb.logError

	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe subscribes a handler to one or more event types.
func (eb *EventBus) Subscribe(handler EventHandler, eventTypes ...string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for _, t := range eventTypes {
		eb.handlers[t] = append(eb.handlers[t], handler)
	}
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) {
	eb.Subscribe(EventHandlerFunc(handlerFunc), eventType)
}

// HasSubscribers checks if there are any subscribers for a given event type.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType]) > 0
}

// Publish queues an event for asynchronous delivery.
// Returns an error if the context is canceled, the bus is closed, or the channel is full.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}

	// held until the send completes so Stop cannot close the channel underneath us
	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}

	select {
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync runs every handler for the event and returns their errors.
// Execution is bounded by a 5-second timeout unless the context is shorter.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	closed := eb.closed
	eb.closeMu.RUnlock()
	if closed {
		return []error{ErrBusClosed}
	}

	eb.mu.RLock()
	handlers := append([]EventHandler(nil), eb.handlers[event.Type]...)
	eb.mu.RUnlock()
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return eb.executeHandlers(timeoutCtx, handlers, event)
}

// Stop stops the event processing goroutine after queued events are delivered.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		eb.mu.RLock()
		handlers := append([]EventHandler(nil), eb.handlers[event.Type]...)
		eb.mu.RUnlock()
		if len(handlers) == 0 {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), eb.timeout)
		errs := eb.executeHandlers(ctx, handlers, event)
		cancel()

		eb.errHandlerMu.RLock()
		handler := eb.errHandler
		eb.errHandlerMu.RUnlock()

		for _, err := range errs {
			handler(event, err)
		}
	}
}

// executeHandlers runs handlers concurrently and collects their errors. It returns
// once every handler finished or ctx is done; handlers still running by then are
// reported with ctx's error and left to finish on their own.
func (eb *EventBus) executeHandlers(ctx context.Context, handlers []EventHandler, event Event) []error {
	results := make(chan error, len(handlers))
	for _, handler := range handlers {
		go func(h EventHandler) {
			var err error
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("handler panic: %v", r)
				}
				results <- err
			}()
			err = h.Handle(ctx, event)
		}(handler)
	}

	var errs []error
	for pending := len(handlers); pending > 0; pending-- {
		select {
		case err := <-results:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			for ; pending > 0; pending-- {
				errs = append(errs, fmt.Errorf("handler did not finish: %w", ctx.Err()))
			}
			return errs
		}
	}
	return errs
}

func (eb *EventBus) logError(event Event, err error) {
	metrics.EventHandlerFailures.WithLabelValues(event.Type).Inc()
	eb.logger.Error("event handler failed",
		zap.String("event", event.Type),
		zap.Uint64("process_id", event.ProcessID),
		zap.String("ref_id", event.RefID),
		zap.Error(err),
	)
}
