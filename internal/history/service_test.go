package history

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"signflow/api/internal/apperr"
	"signflow/api/internal/document"
	"signflow/api/internal/lifecycle"
)

func sampleDoc() document.Document {
	return document.Document{
		ID:           "doc-1",
		Name:         "Lease",
		Status:       document.StatusDraft,
		Type:         document.TypeSent,
		SigningOrder: document.OrderParallel,
		Recipients:   []document.Recipient{{Name: "Ada", Email: "ada@example.com", Status: document.RecipientPending}},
	}
}

func TestSnapshotAndHistory(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	doc := sampleDoc()
	first, err := svc.Snapshot(doc, "Avery", "created")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "doc-1", ".git")); err != nil {
		t.Fatalf("repo missing: %v", err)
	}

	doc.Status = document.StatusSent
	doc.Recipients[0].Status = document.RecipientViewed
	second, err := svc.Snapshot(doc, "Avery", "sent")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if second.Hash == first.Hash {
		t.Fatal("expected a new commit")
	}

	again, err := svc.Snapshot(doc, "Avery", "no-op")
	if err != nil {
		t.Fatalf("Snapshot(unchanged) error = %v", err)
	}
	if again.Hash != second.Hash {
		t.Fatalf("unchanged snapshot should not commit, got %s want %s", again.Hash, second.Hash)
	}

	commits, err := svc.History("doc-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(commits) != 2 || commits[0].Message != "sent" || commits[1].Message != "created" {
		t.Fatalf("unexpected history %+v", commits)
	}

	limited, err := svc.History("doc-1", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("History(limit 1) = %v, %v", limited, err)
	}

	old, err := svc.At("doc-1", first.Hash)
	if err != nil {
		t.Fatalf("At() error = %v", err)
	}
	if old.Status != document.StatusDraft {
		t.Fatalf("At(first) status = %s", old.Status)
	}

	changes := Diff(old, doc)
	fields := make([]string, 0, len(changes))
	for _, c := range changes {
		fields = append(fields, c.Field)
	}
	if strings.Join(fields, ",") != "recipients,status" {
		t.Fatalf("Diff() fields = %v", fields)
	}
}

func TestMissingHistory(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.History("nope", 10); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("History() error = %v, want not found", err)
	}

	if _, err := svc.Snapshot(sampleDoc(), "Avery", "created"); err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if _, err := svc.At("doc-1", "deadbee"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("At(unknown) error = %v, want not found", err)
	}
}

func TestObserveCommitsEvents(t *testing.T) {
	svc := New(t.TempDir())
	svc.now = func() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }

	doc := sampleDoc()
	idx := 0
	events := []lifecycle.Event{
		{Kind: lifecycle.EventCreated, DocumentID: doc.ID, Actor: "owner@example.com", From: document.StatusDraft, To: document.StatusDraft, Document: &doc},
	}
	sent := doc.Clone()
	sent.Status = document.StatusSent
	events = append(events,
		lifecycle.Event{Kind: lifecycle.EventSent, DocumentID: doc.ID, Actor: "owner@example.com", From: document.StatusReadyToSend, To: document.StatusSent, Document: &sent},
		lifecycle.Event{Kind: lifecycle.EventViewed, DocumentID: doc.ID, Actor: "ada@example.com", RecipientIndex: &idx, From: document.StatusSent, To: document.StatusViewed, Document: nil},
		lifecycle.Event{Kind: lifecycle.EventDeleted, DocumentID: doc.ID},
	)
	for _, event := range events {
		if err := svc.Observe(event); err != nil {
			t.Fatalf("Observe(%s) error = %v", event.Kind, err)
		}
	}

	commits, err := svc.History(doc.ID, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("got %d commits, want 2", len(commits))
	}
	if commits[0].Message != "sent: ready-to-send -> sent" || commits[0].Author != "owner@example.com" {
		t.Fatalf("unexpected head commit %+v", commits[0])
	}
}

func TestConcurrentSnapshotsSerialize(t *testing.T) {
	svc := New(t.TempDir())
	doc := sampleDoc()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			d := doc.Clone()
			d.Pages = n + 1
			if _, err := svc.Snapshot(d, "Avery", "edit"); err != nil {
				t.Errorf("Snapshot() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	commits, err := svc.History(doc.ID, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(commits) != 5 {
		t.Fatalf("got %d commits, want 5", len(commits))
	}
}
