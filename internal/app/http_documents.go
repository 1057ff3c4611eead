package app

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"signflow/api/internal/blob"
	"signflow/api/internal/document"
	"signflow/api/internal/export"
	"signflow/api/internal/lifecycle"

	"github.com/go-chi/chi/v5"
)

func documentID(r *http.Request) string {
	return chi.URLParam(r, "documentID")
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	docs, err := s.service.ListDocuments(r.Context(), sessionFrom(r), DocumentQuery{
		View:   query.Get("view"),
		Status: query.Get("status"),
		Type:   query.Get("type"),
		Text:   query.Get("q"),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "total": len(docs)})
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var body CreateDocumentInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, err := s.service.CreateDocument(r.Context(), sessionFrom(r), body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, documentView(doc))
}

// documentPayload adds the derived progress figures to a document.
type documentPayload struct {
	document.Document
	Progress         int `json:"progress"`
	RequiredProgress int `json:"requiredProgress"`
}

func documentView(doc document.Document) documentPayload {
	return documentPayload{Document: doc, Progress: doc.Progress(), RequiredProgress: doc.RequiredProgress()}
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.GetDocument(r.Context(), sessionFrom(r), documentID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentView(doc))
}

func (s *HTTPServer) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	var patch document.Patch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, err := s.service.UpdateDocument(r.Context(), sessionFrom(r), documentID(r), patch)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentView(doc))
}

func (s *HTTPServer) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteDocument(r.Context(), sessionFrom(r), documentID(r)); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, blob.MaxUploadSize+(1<<20))
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", "expected a multipart form with a file field", nil)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", "file field is required", nil)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = strings.TrimSpace(contentType[:idx])
	}
	doc, err := s.service.UploadFile(r.Context(), sessionFrom(r), documentID(r), header.Filename, contentType, file, header.Size)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentView(doc))
}

func (s *HTTPServer) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	body, obj, err := s.service.OpenFile(r.Context(), sessionFrom(r), documentID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", obj.ContentType)
	if obj.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

// Fields

func (s *HTTPServer) handleAddField(w http.ResponseWriter, r *http.Request) {
	var body AddFieldInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	field, err := s.service.AddField(r.Context(), sessionFrom(r), documentID(r), body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, field)
}

func (s *HTTPServer) handleEditField(w http.ResponseWriter, r *http.Request) {
	var body EditFieldInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	field, err := s.service.EditField(r.Context(), sessionFrom(r), documentID(r), chi.URLParam(r, "fieldID"), body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, field)
}

func (s *HTTPServer) handleRemoveField(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.RemoveField(r.Context(), sessionFrom(r), documentID(r), chi.URLParam(r, "fieldID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentView(doc))
}

func (s *HTTPServer) handleFillField(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value json.RawMessage `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, err := s.service.FillField(r.Context(), sessionFrom(r), documentID(r), chi.URLParam(r, "fieldID"), body.Value)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentView(doc))
}

func (s *HTTPServer) handleToggleField(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.ToggleField(r.Context(), sessionFrom(r), documentID(r), chi.URLParam(r, "fieldID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentView(doc))
}

// Recipients

func (s *HTTPServer) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.Recipients(r.Context(), sessionFrom(r), documentID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipients": entries})
}

func (s *HTTPServer) handleAddRecipient(w http.ResponseWriter, r *http.Request) {
	var body document.Recipient
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, err := s.service.AddRecipient(r.Context(), sessionFrom(r), documentID(r), body)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, documentView(doc))
}

func (s *HTTPServer) handleRemoveRecipient(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INDEX", "recipient index must be a number", nil)
		return
	}
	doc, err := s.service.RemoveRecipient(r.Context(), sessionFrom(r), documentID(r), index)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentView(doc))
}

// Lifecycle

func (s *HTTPServer) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode lifecycle.Mode `json:"mode"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	s.writeTransition(w, r)(s.service.Finalize(r.Context(), sessionFrom(r), documentID(r), body.Mode))
}

func (s *HTTPServer) handleRevertToDraft(w http.ResponseWriter, r *http.Request) {
	s.writeTransition(w, r)(s.service.RevertToDraft(r.Context(), sessionFrom(r), documentID(r)))
}

func (s *HTTPServer) handleSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	s.writeTransition(w, r)(s.service.Send(r.Context(), sessionFrom(r), documentID(r), body.Message))
}

func (s *HTTPServer) handleOpen(w http.ResponseWriter, r *http.Request) {
	s.writeTransition(w, r)(s.service.Open(r.Context(), sessionFrom(r), documentID(r)))
}

func (s *HTTPServer) handleSign(w http.ResponseWriter, r *http.Request) {
	var body SignInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	s.writeTransition(w, r)(s.service.Sign(r.Context(), sessionFrom(r), documentID(r), body))
}

func (s *HTTPServer) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.writeTransition(w, r)(s.service.Complete(r.Context(), sessionFrom(r), documentID(r)))
}

func (s *HTTPServer) writeTransition(w http.ResponseWriter, r *http.Request) func(document.Document, error) {
	return func(doc document.Document, err error) {
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, documentView(doc))
	}
}

// Records

func (s *HTTPServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	events, err := s.service.Audit(r.Context(), sessionFrom(r), documentID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	commits, err := s.service.History(r.Context(), sessionFrom(r), documentID(r), queryInt(r, "limit", 50))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

func (s *HTTPServer) handleRevision(w http.ResponseWriter, r *http.Request) {
	revision, err := s.service.Revision(r.Context(), sessionFrom(r), documentID(r), chi.URLParam(r, "hash"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, revision)
}

func (s *HTTPServer) handleCertificate(w http.ResponseWriter, r *http.Request) {
	format, ok := export.ParseFormat(r.URL.Query().Get("format"))
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_FORMAT", "format must be html or pdf", nil)
		return
	}
	result, err := s.service.Certificate(r.Context(), sessionFrom(r), documentID(r), format)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}
