// Package audit turns committed lifecycle events into audit_log rows.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"signflow/api/internal/document"
	"signflow/api/internal/lifecycle"
	"signflow/api/internal/store"
)

const writeTimeout = 5 * time.Second

// Recorder is a lifecycle observer that appends every event to the store.
type Recorder struct {
	store store.AuditStore
}

func NewRecorder(audit store.AuditStore) *Recorder {
	return &Recorder{store: audit}
}

// payload is the document summary kept with each row so the log reads on
// its own after the document is gone.
type payload struct {
	Name       string `json:"name,omitempty"`
	Progress   int    `json:"progress"`
	Recipients int    `json:"recipients"`
	Signed     int    `json:"signed"`
}

func (r *Recorder) Observe(event lifecycle.Event) error {
	row := store.AuditEvent{
		Kind:           string(event.Kind),
		DocumentID:     event.DocumentID,
		Actor:          event.Actor,
		RecipientIndex: event.RecipientIndex,
		From:           string(event.From),
		To:             string(event.To),
		At:             event.At,
	}
	if doc := event.Document; doc != nil {
		p := payload{Name: doc.Name, Progress: doc.Progress(), Recipients: len(doc.Recipients)}
		for _, recipient := range doc.Recipients {
			if recipient.Status == document.RecipientSigned {
				p.Signed++
			}
		}
		raw, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("audit: encode payload: %w", err)
		}
		row.Payload = raw
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.store.AppendAudit(ctx, row); err != nil {
		return fmt.Errorf("audit: append %s %s: %w", event.Kind, event.DocumentID, err)
	}
	return nil
}
