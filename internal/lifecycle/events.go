package lifecycle

import (
	"time"

	"signflow/api/internal/document"
)

type EventKind string

const (
	EventCreated   EventKind = "created"
	EventUpdated   EventKind = "updated"
	EventSent      EventKind = "sent"
	EventViewed    EventKind = "viewed"
	EventSigned    EventKind = "signed"
	EventCompleted EventKind = "completed"
	EventDeleted   EventKind = "deleted"
)

// Event records one committed change to a document. From and To are equal
// for events that do not move the status.
type Event struct {
	Kind           EventKind          `json:"kind"`
	DocumentID     string             `json:"documentId"`
	Actor          string             `json:"actor"`
	RecipientIndex *int               `json:"recipientIndex,omitempty"`
	From           document.Status    `json:"from"`
	To             document.Status    `json:"to"`
	At             time.Time          `json:"at"`
	Document       *document.Document `json:"-"`
}

type Observer interface {
	Observe(Event) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event) error

func (f ObserverFunc) Observe(event Event) error {
	return f(event)
}

// Filter wraps an observer so it only sees the listed kinds.
func Filter(observer Observer, kinds ...EventKind) Observer {
	allowed := make(map[EventKind]struct{}, len(kinds))
	for _, kind := range kinds {
		allowed[kind] = struct{}{}
	}
	return ObserverFunc(func(event Event) error {
		if _, ok := allowed[event.Kind]; !ok {
			return nil
		}
		return observer.Observe(event)
	})
}
