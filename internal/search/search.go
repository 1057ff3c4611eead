package search

import (
	"strings"

	"signflow/api/internal/document"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Snippet string `json:"snippet"`
	Sender  string `json:"sender"`
	Status  string `json:"status"`
	Type    string `json:"type"`
	OwnerID string `json:"ownerId"`
}

// Query describes a search request.
type Query struct {
	Text    string
	OwnerID string // empty = every owner
	Status  string
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Source  string   `json:"source"`
}

// Searcher can execute a document search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Sender      string   `json:"sender"`
	OwnerID     string   `json:"ownerId"`
	Status      string   `json:"status"`
	Type        string   `json:"type"`
	Recipients  []string `json:"recipients"`
	CreatedAt   int64    `json:"createdAt"`
}

// RecordFor flattens a document into its index record. Recipients carry
// both name and email so either finds the document.
func RecordFor(doc document.Document) DocumentRecord {
	recipients := make([]string, 0, len(doc.Recipients)*2)
	for _, r := range doc.Recipients {
		recipients = append(recipients, r.Name, r.Email)
	}
	return DocumentRecord{
		ID:          doc.ID,
		Name:        doc.Name,
		Description: doc.Description,
		Sender:      doc.Sender,
		OwnerID:     doc.OwnerID,
		Status:      string(doc.Status),
		Type:        string(doc.Type),
		Recipients:  recipients,
		CreatedAt:   doc.CreatedAt.UnixMilli(),
	}
}

func resultFor(doc document.Document) Result {
	return Result{
		ID:      doc.ID,
		Name:    doc.Name,
		Snippet: firstNonBlank(doc.Description, doc.Sender),
		Sender:  doc.Sender,
		Status:  string(doc.Status),
		Type:    string(doc.Type),
		OwnerID: doc.OwnerID,
	}
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
