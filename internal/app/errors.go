package app

import (
	"fmt"
	"net/http"

	"signflow/api/internal/blob"
)

// DomainError is a service failure that carries its own HTTP status. Logic
// rejections from the domain packages use apperr instead.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}

var errHistoryDisabled = domainError(http.StatusServiceUnavailable, "HISTORY_DISABLED", "document history is not enabled", nil)

func errFileTooLarge(size int64) *DomainError {
	return domainError(http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "file size exceeds 10MB",
		map[string]int64{"size": size, "limit": blob.MaxUploadSize})
}
