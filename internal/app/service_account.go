package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strings"
	"time"

	"signflow/api/internal/apperr"
	"signflow/api/internal/blob"
	"signflow/api/internal/rbac"
	"signflow/api/internal/search"
	"signflow/api/internal/store"
	"signflow/api/internal/util"
)

const signatureURLExpiry = 15 * time.Minute

// Signatures

type SignatureInput struct {
	Kind string `json:"kind"`
	Data string `json:"data"`
	Font string `json:"font"`
}

// SignatureView is a saved signature plus a download link for uploads.
type SignatureView struct {
	store.Signature
	URL string `json:"url,omitempty"`
}

func (s *Service) ListSignatures(ctx context.Context, session Session) ([]SignatureView, error) {
	sigs, err := s.store.ListSignatures(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	views := make([]SignatureView, 0, len(sigs))
	for _, sig := range sigs {
		view := SignatureView{Signature: sig}
		if sig.ObjectKey != "" {
			link, err := s.blob.URL(ctx, sig.ObjectKey, signatureURLExpiry)
			if err != nil {
				log.Printf("blob: signature url %s: %v", sig.ObjectKey, err)
			}
			view.URL = link
		}
		views = append(views, view)
	}
	return views, nil
}

// SaveSignature stores a drawn or typed signature inline. Uploaded images
// arrive as data URLs and are moved to blob storage.
func (s *Service) SaveSignature(ctx context.Context, session Session, input SignatureInput) (SignatureView, error) {
	sig := store.Signature{
		UserID: session.UserID,
		Kind:   strings.TrimSpace(input.Kind),
		Data:   input.Data,
		Font:   input.Font,
	}
	if sig.Kind == "uploaded" {
		raw, contentType, err := decodeDataURL(input.Data)
		if err != nil {
			return SignatureView{}, err
		}
		if len(raw) > blob.MaxUploadSize {
			return SignatureView{}, apperr.Validation("FILE_TOO_LARGE", "signature image exceeds 10MB")
		}
		sig.ID = util.NewID("sig")
		key := blob.SignatureKey(session.UserID, sig.ID)
		if _, err := s.blob.Put(ctx, key, bytes.NewReader(raw), int64(len(raw)), contentType); err != nil {
			return SignatureView{}, fmt.Errorf("store signature image: %w", err)
		}
		sig.ObjectKey = key
		sig.Data = ""
	}
	saved, err := s.store.SaveSignature(ctx, sig)
	if err != nil {
		if sig.ObjectKey != "" {
			_ = s.blob.Delete(ctx, sig.ObjectKey)
		}
		return SignatureView{}, err
	}
	view := SignatureView{Signature: saved}
	if saved.ObjectKey != "" {
		view.URL, _ = s.blob.URL(ctx, saved.ObjectKey, signatureURLExpiry)
	}
	return view, nil
}

func (s *Service) DeleteSignature(ctx context.Context, session Session, id string) error {
	sigs, err := s.store.ListSignatures(ctx, session.UserID)
	if err != nil {
		return err
	}
	var objectKey string
	for _, sig := range sigs {
		if sig.ID == id {
			objectKey = sig.ObjectKey
		}
	}
	if err := s.store.DeleteSignature(ctx, session.UserID, id); err != nil {
		return err
	}
	if objectKey != "" {
		if err := s.blob.Delete(ctx, objectKey); err != nil {
			log.Printf("blob: delete signature %s: %v", objectKey, err)
		}
	}
	return nil
}

func decodeDataURL(value string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(value, ",")
	if !ok || !strings.HasPrefix(header, "data:image/") || !strings.HasSuffix(header, ";base64") {
		return nil, "", apperr.Validation("INVALID_IMAGE", "uploaded signatures must be base64 image data URLs")
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", apperr.Validation("INVALID_IMAGE", "signature image is not valid base64")
	}
	contentType := strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
	return raw, contentType, nil
}

// Settings

// Settings returns the caller's settings, seeding name and email from the
// account when they were never saved.
func (s *Service) Settings(ctx context.Context, session Session) (store.Settings, error) {
	settings, err := s.store.GetSettings(ctx, session.UserID)
	if err != nil {
		return store.Settings{}, err
	}
	if settings.Name == "" {
		settings.Name = session.UserName
	}
	if settings.Email == "" {
		settings.Email = session.Email
	}
	return settings, nil
}

func (s *Service) SaveSettings(ctx context.Context, session Session, settings store.Settings) (store.Settings, error) {
	settings.UserID = session.UserID
	switch settings.Theme {
	case "":
		settings.Theme = "light"
	case "light", "dark":
	default:
		return store.Settings{}, apperr.Validation("INVALID_THEME", "theme must be light or dark")
	}
	if settings.Email != "" && !strings.Contains(settings.Email, "@") {
		return store.Settings{}, apperr.Validation("INVALID_EMAIL", "email is not valid")
	}
	return s.store.SaveSettings(ctx, settings)
}

// Notifications

func (s *Service) Notifications(ctx context.Context, session Session) ([]store.Notification, error) {
	return s.store.ListNotifications(ctx, session.Email)
}

func (s *Service) MarkNotificationRead(ctx context.Context, session Session, id string) (store.Notification, error) {
	items, err := s.store.ListNotifications(ctx, session.Email)
	if err != nil {
		return store.Notification{}, err
	}
	for _, item := range items {
		if item.ID == id {
			return s.store.MarkNotificationRead(ctx, id)
		}
	}
	return store.Notification{}, apperr.NotFound("notification", id)
}

// Search

func (s *Service) Search(session Session, text, status string, limit, offset int) search.Response {
	return s.search.Search(search.Query{
		Text:    strings.TrimSpace(text),
		OwnerID: session.UserID,
		Status:  status,
		Limit:   limit,
		Offset:  offset,
	})
}

// Admin

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) ListUsers(ctx context.Context, session Session, filter store.UserFilter) ([]store.User, error) {
	if err := rbac.Require(rbac.Normalize(session.Role), rbac.ActionViewUsers); err != nil {
		return nil, err
	}
	users, err := s.store.ListUsers(ctx, filter)
	if err != nil {
		return nil, err
	}
	return publicUsers(users), nil
}

// AdminStats is the dashboard summary of accounts and documents.
type AdminStats struct {
	Users     store.UserStats `json:"users"`
	Documents map[string]int  `json:"documents"`
}

func (s *Service) Stats(ctx context.Context, session Session) (AdminStats, error) {
	if err := rbac.Require(rbac.Normalize(session.Role), rbac.ActionViewStats); err != nil {
		return AdminStats{}, err
	}
	users, err := s.store.ListUsers(ctx, store.UserFilter{})
	if err != nil {
		return AdminStats{}, err
	}
	docs, err := s.store.QueryDocuments(ctx, store.Filter{})
	if err != nil {
		return AdminStats{}, err
	}
	counts := map[string]int{"total": len(docs)}
	for _, doc := range docs {
		counts[string(doc.Status)]++
	}
	return AdminStats{Users: store.Stats(users), Documents: counts}, nil
}

// SetSuspended suspends or reinstates an account. Suspension also ends
// the account's sessions on their next request.
func (s *Service) SetSuspended(ctx context.Context, session Session, userID string, suspended bool, reason string) (store.User, error) {
	if err := rbac.Require(rbac.Normalize(session.Role), rbac.ActionSuspendUsers); err != nil {
		return store.User{}, err
	}
	if userID == session.UserID {
		return store.User{}, apperr.Validation("SELF_SUSPEND", "you cannot suspend your own account")
	}
	updated, err := s.store.UpdateUser(ctx, userID, func(u *store.User) error {
		if suspended {
			u.Status = store.UserSuspended
			u.SuspendReason = strings.TrimSpace(reason)
			return nil
		}
		u.Status = store.UserActive
		u.SuspendReason = ""
		return nil
	})
	if err != nil {
		return store.User{}, err
	}
	return publicUser(updated), nil
}

func (s *Service) SetRole(ctx context.Context, session Session, userID, role string) (store.User, error) {
	if err := rbac.Require(rbac.Normalize(session.Role), rbac.ActionChangeRoles); err != nil {
		return store.User{}, err
	}
	if !rbac.Valid(role) {
		return store.User{}, apperr.Validation("INVALID_ROLE", "role must be user, moderator or admin")
	}
	if userID == session.UserID && role != string(rbac.RoleAdmin) {
		return store.User{}, apperr.Validation("SELF_DEMOTE", "you cannot remove your own admin role")
	}
	updated, err := s.store.UpdateUser(ctx, userID, func(u *store.User) error {
		u.Role = role
		return nil
	})
	if err != nil {
		return store.User{}, err
	}
	return publicUser(updated), nil
}
