package export

import (
	"context"
	"fmt"
	"time"

	"signflow/api/internal/apperr"
	"signflow/api/internal/document"
	"signflow/api/internal/store"
)

// Service renders certificates of completion.
type Service struct {
	pdf PDFRenderer
	now func() time.Time
}

// NewService creates a new export service. pdf may be nil, in which case
// only HTML certificates are available.
func NewService(pdf PDFRenderer) *Service {
	return &Service{pdf: pdf, now: time.Now}
}

// Certificate renders the certificate for a signed or completed document.
func (s *Service) Certificate(ctx context.Context, doc document.Document, events []store.AuditEvent, format Format) (*Result, error) {
	if doc.Status != document.StatusSigned && doc.Status != document.StatusCompleted {
		return nil, apperr.Validation("NOT_SIGNED", "a certificate is available once the document is signed").
			WithDetails(map[string]string{"status": string(doc.Status)})
	}

	html, err := RenderCertificateHTML(BuildCertificate(doc, events, s.now()))
	if err != nil {
		return nil, fmt.Errorf("render certificate: %w", err)
	}

	title := doc.Name + " certificate"
	switch format {
	case FormatHTML:
		return &Result{Data: []byte(html), Filename: sanitizeFilename(title) + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		if s.pdf == nil {
			return nil, fmt.Errorf("%w: no pdf renderer configured", ErrPDFDependencyMissing)
		}
		return s.pdf.RenderPDF(ctx, html, title)
	default:
		return nil, apperr.Validation("UNSUPPORTED_FORMAT", fmt.Sprintf("unsupported format: %s", format))
	}
}
