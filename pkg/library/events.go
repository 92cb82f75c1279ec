package library

import (
	"log/slog"
	"sync"
)

// EventKind names a library event.
type EventKind string

// Event kinds.
const (
	EventDocumentAdded        EventKind = "document:added"
	EventDocumentUpdated      EventKind = "document:updated"
	EventDocumentDeleted      EventKind = "document:deleted"
	EventDocumentsBulkAdded   EventKind = "documents:bulkAdded"
	EventDocumentsBulkDeleted EventKind = "documents:bulkDeleted"
	EventTagCreated           EventKind = "tag:created"
	EventTagDeleted           EventKind = "tag:deleted"
	EventLibraryImported      EventKind = "library:imported"
	EventLibraryCleared       EventKind = "library:cleared"
)

// Event is published after a mutation commits. The concrete type depends on
// the kind; handlers type-switch on it.
type Event interface {
	Kind() EventKind
}

// DocumentAdded is published for [EventDocumentAdded].
type DocumentAdded struct{ Document Document }

// DocumentUpdated is published for [EventDocumentUpdated].
type DocumentUpdated struct {
	Document      Document
	ChangedFields []string
}

// DocumentDeleted is published for [EventDocumentDeleted].
type DocumentDeleted struct {
	ID   string
	Name string
	Tags []string
}

// DocumentsBulkAdded is published for [EventDocumentsBulkAdded].
type DocumentsBulkAdded struct{ IDs []string }

// DocumentsBulkDeleted is published for [EventDocumentsBulkDeleted].
type DocumentsBulkDeleted struct{ IDs []string }

// TagCreated is published for [EventTagCreated], including tags created
// implicitly by tagging a document.
type TagCreated struct{ Tag Tag }

// TagDeleted is published for [EventTagDeleted].
type TagDeleted struct {
	Name             string
	DocumentsUpdated int
}

// LibraryImported is published for [EventLibraryImported].
type LibraryImported struct{ Result ImportResult }

// LibraryCleared is published for [EventLibraryCleared].
type LibraryCleared struct{}

func (DocumentAdded) Kind() EventKind        { return EventDocumentAdded }
func (DocumentUpdated) Kind() EventKind      { return EventDocumentUpdated }
func (DocumentDeleted) Kind() EventKind      { return EventDocumentDeleted }
func (DocumentsBulkAdded) Kind() EventKind   { return EventDocumentsBulkAdded }
func (DocumentsBulkDeleted) Kind() EventKind { return EventDocumentsBulkDeleted }
func (TagCreated) Kind() EventKind           { return EventTagCreated }
func (TagDeleted) Kind() EventKind           { return EventTagDeleted }
func (LibraryImported) Kind() EventKind      { return EventLibraryImported }
func (LibraryCleared) Kind() EventKind       { return EventLibraryCleared }

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine; a panicking handler is recovered and logged.
type Handler func(Event)

// anyKind is the registry slot for [Library.SubscribeAll] handlers.
const anyKind EventKind = "*"

type bus struct {
	log *slog.Logger

	mu       sync.RWMutex
	nextID   int
	handlers map[EventKind]map[int]Handler
}

func newBus(log *slog.Logger) *bus {
	return &bus{log: log, handlers: make(map[EventKind]map[int]Handler)}
}

func (b *bus) subscribe(kind EventKind, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[int]Handler)
	}

	b.handlers[kind][id] = h

	var once sync.Once

	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			delete(b.handlers[kind], id)
		})
	}
}

func (b *bus) publish(events ...Event) {
	for _, ev := range events {
		b.mu.RLock()

		var hs []Handler
		for _, h := range b.handlers[ev.Kind()] {
			hs = append(hs, h)
		}

		for _, h := range b.handlers[anyKind] {
			hs = append(hs, h)
		}

		b.mu.RUnlock()

		for _, h := range hs {
			b.call(h, ev)
		}
	}
}

func (b *bus) call(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "event", ev.Kind(), "panic", r)
		}
	}()

	h(ev)
}

// Subscribe registers h for events of kind and returns an idempotent
// unsubscribe function.
func (l *Library) Subscribe(kind EventKind, h Handler) func() {
	return l.events.subscribe(kind, h)
}

// SubscribeAll registers h for every event kind.
func (l *Library) SubscribeAll(h Handler) func() {
	return l.events.subscribe(anyKind, h)
}
