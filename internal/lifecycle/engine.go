// Package lifecycle drives documents through their status state machine.
package lifecycle

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"signflow/api/internal/apperr"
	"signflow/api/internal/document"
	"signflow/api/internal/routing"
)

type Action string

const (
	ActionFinalizeFields Action = "finalize-fields"
	ActionDispatch       Action = "dispatch"
	ActionOpen           Action = "open-by-recipient"
	ActionCompleteFields Action = "complete-all-fields"
	ActionComplete       Action = "all-recipients-signed"
	ActionRevert         Action = "revert-to-draft"
)

// Mode selects the finalize target: signing yourself or sending to others.
type Mode string

const (
	ModeSelf Mode = "self"
	ModeSend Mode = "send"
)

type Transition struct {
	From   document.Status
	Action Action
	Mode   Mode
	To     document.Status
}

var transitions = []Transition{
	{From: document.StatusDraft, Action: ActionFinalizeFields, Mode: ModeSelf, To: document.StatusReadyToSign},
	{From: document.StatusDraft, Action: ActionFinalizeFields, Mode: ModeSend, To: document.StatusReadyToSend},
	{From: document.StatusReadyToSign, Action: ActionRevert, To: document.StatusDraft},
	{From: document.StatusReadyToSend, Action: ActionRevert, To: document.StatusDraft},
	{From: document.StatusReadyToSend, Action: ActionDispatch, To: document.StatusSent},
	{From: document.StatusSent, Action: ActionOpen, To: document.StatusViewed},
	{From: document.StatusPending, Action: ActionOpen, To: document.StatusViewed},
	{From: document.StatusViewed, Action: ActionOpen, To: document.StatusViewed},
	{From: document.StatusSigned, Action: ActionOpen, To: document.StatusSigned},
	{From: document.StatusViewed, Action: ActionCompleteFields, To: document.StatusSigned},
	{From: document.StatusReadyToSign, Action: ActionCompleteFields, To: document.StatusSigned},
	{From: document.StatusSigned, Action: ActionCompleteFields, To: document.StatusSigned},
	{From: document.StatusSigned, Action: ActionComplete, To: document.StatusCompleted},
}

// Transitions returns a copy of the transition table.
func Transitions() []Transition {
	return append([]Transition(nil), transitions...)
}

func lookup(from document.Status, action Action, mode Mode) (Transition, bool) {
	for _, t := range transitions {
		if t.From == from && t.Action == action && (t.Mode == "" || t.Mode == mode) {
			return t, true
		}
	}
	return Transition{}, false
}

// Allowed lists the actions the table permits from a status, guards aside.
func Allowed(from document.Status) []Action {
	seen := map[Action]struct{}{}
	var actions []Action
	for _, t := range transitions {
		if t.From != from {
			continue
		}
		if _, ok := seen[t.Action]; ok {
			continue
		}
		seen[t.Action] = struct{}{}
		actions = append(actions, t.Action)
	}
	return actions
}

// Request names the action plus who performs it. RecipientIndex is nil when
// the document owner acts.
type Request struct {
	Action         Action
	Mode           Mode
	RecipientIndex *int
	Actor          string
}

type Engine struct {
	now       func() time.Time
	mu        sync.RWMutex
	observers []Observer
}

func New(now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{now: now}
}

// Apply validates req against doc and returns the next state plus the events
// it produced. doc itself is never modified, so a rejected transition leaves
// the caller's copy exactly as it was.
func (e *Engine) Apply(doc document.Document, req Request) (document.Document, []Event, error) {
	mode := req.Mode
	if req.Action == ActionFinalizeFields && mode == "" {
		mode = ModeSelf
		if doc.Type == document.TypeSent {
			mode = ModeSend
		}
	}
	transition, ok := lookup(doc.Status, req.Action, mode)
	if !ok {
		return doc, nil, apperr.InvalidTransition(string(doc.Status), string(req.Action), "transition not allowed")
	}

	next := doc.Clone()
	now := e.now().UTC()
	event := Event{
		DocumentID:     doc.ID,
		Actor:          req.Actor,
		RecipientIndex: req.RecipientIndex,
		From:           doc.Status,
		To:             transition.To,
		At:             now,
	}

	var err error
	switch req.Action {
	case ActionFinalizeFields:
		err = finalize(&next, mode)
		event.Kind = EventUpdated
	case ActionRevert:
		event.Kind = EventUpdated
	case ActionDispatch:
		err = dispatch(&next, now)
		event.Kind = EventSent
	case ActionOpen:
		err = open(&next, req.RecipientIndex, now)
		event.Kind = EventViewed
	case ActionCompleteFields:
		err = sign(&next, req.RecipientIndex, now)
		event.Kind = EventSigned
	case ActionComplete:
		err = complete(&next, now)
		event.Kind = EventCompleted
	}
	if err != nil {
		return doc, nil, err
	}

	next.Status = transition.To
	return next, []Event{event}, nil
}

func reject(doc *document.Document, action Action, format string, args ...any) error {
	return apperr.InvalidTransition(string(doc.Status), string(action), fmt.Sprintf(format, args...))
}

func finalize(doc *document.Document, mode Mode) error {
	if len(doc.Fields) == 0 {
		return reject(doc, ActionFinalizeFields, "add at least one field first")
	}
	if mode == ModeSend && len(doc.Recipients) == 0 {
		return reject(doc, ActionFinalizeFields, "add at least one recipient first")
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	return nil
}

func dispatch(doc *document.Document, now time.Time) error {
	if len(doc.Recipients) == 0 {
		return reject(doc, ActionDispatch, "document has no recipients")
	}
	for i := range doc.Recipients {
		doc.Recipients[i].Status = document.RecipientPending
		doc.Recipients[i].ViewedAt = nil
		doc.Recipients[i].SignedAt = nil
	}
	doc.SentDate = &now
	return nil
}

// actingRecipient resolves the recipient for open/sign. The owner may act
// without an index only on documents that have no recipients.
func actingRecipient(doc *document.Document, action Action, index *int) (*document.Recipient, error) {
	if index == nil {
		if len(doc.Recipients) > 0 {
			return nil, reject(doc, action, "a recipient must be named")
		}
		return nil, nil
	}
	if *index < 0 || *index >= len(doc.Recipients) {
		return nil, reject(doc, action, "recipient %d does not exist", *index)
	}
	if !routing.Ready(doc, *index) {
		return nil, reject(doc, action, "earlier recipients must sign first")
	}
	return &doc.Recipients[*index], nil
}

func open(doc *document.Document, index *int, now time.Time) error {
	recipient, err := actingRecipient(doc, ActionOpen, index)
	if err != nil {
		return err
	}
	if recipient == nil {
		if doc.Status != document.StatusPending {
			return reject(doc, ActionOpen, "document was already opened")
		}
		return nil
	}
	if recipient.Status != document.RecipientPending {
		return reject(doc, ActionOpen, "recipient already %s the document", recipient.Status)
	}
	recipient.Status = document.RecipientViewed
	recipient.ViewedAt = &now
	return nil
}

func sign(doc *document.Document, index *int, now time.Time) error {
	recipient, err := actingRecipient(doc, ActionCompleteFields, index)
	if err != nil {
		return err
	}
	if recipient == nil && doc.Status == document.StatusSigned {
		return reject(doc, ActionCompleteFields, "document is already signed")
	}
	if recipient != nil {
		if recipient.Status == document.RecipientSigned {
			return reject(doc, ActionCompleteFields, "recipient has already signed")
		}
		if recipient.Status != document.RecipientViewed {
			return reject(doc, ActionCompleteFields, "recipient must open the document before signing")
		}
	}
	if missing := routing.Outstanding(doc, index); len(missing) > 0 {
		return apperr.InvalidTransition(string(doc.Status), string(ActionCompleteFields), "required fields are incomplete").
			WithDetails(map[string]any{"missingFields": missing, "progress": doc.Progress()})
	}
	if recipient != nil {
		recipient.Status = document.RecipientSigned
		recipient.SignedAt = &now
	}
	doc.SignedDate = &now
	return nil
}

func complete(doc *document.Document, now time.Time) error {
	if !routing.AllSigned(doc) {
		var waiting []string
		for _, r := range doc.Recipients {
			if r.Status != document.RecipientSigned {
				waiting = append(waiting, r.Email)
			}
		}
		return reject(doc, ActionComplete, "waiting on %s", strings.Join(waiting, ", "))
	}
	doc.CompletedDate = &now
	return nil
}

// Subscribe registers an observer for published events.
func (e *Engine) Subscribe(observer Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, observer)
}

// Publish delivers events to every observer in registration order. Observer
// failures are logged and never reach the caller.
func (e *Engine) Publish(events ...Event) {
	e.mu.RLock()
	observers := append([]Observer(nil), e.observers...)
	e.mu.RUnlock()

	for _, event := range events {
		for _, observer := range observers {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("lifecycle: observer panic on %s %s: %v", event.Kind, event.DocumentID, r)
					}
				}()
				if err := observer.Observe(event); err != nil {
					log.Printf("lifecycle: observer error on %s %s: %v", event.Kind, event.DocumentID, err)
				}
			}()
		}
	}
}

// Now exposes the engine clock so callers stamp related records consistently.
func (e *Engine) Now() time.Time {
	return e.now().UTC()
}
