package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"signflow/api/internal/apperr"
	"signflow/api/internal/document"
	"signflow/api/internal/guard"

	"github.com/dgraph-io/badger/v4"
)

// Logical key prefixes. Values are JSON.
const (
	keyDocuments     = "documents/"
	keyUsers         = "users/"
	keyUsersByEmail  = "users_by_email/"
	keyVerification  = "verification_codes/"
	keySignatures    = "signatures/"
	keySettings      = "settings/"
	keySendRequests  = "sendRequests/"
	keyNotifications = "notifications/"
	keyAudit         = "audit/"
	keySessions      = "sessions/"
)

const maxTxnAttempts = 16

// BadgerStore is the embedded key-value backend.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

// OpenBadger opens (or creates) a store in dir. An empty dir keeps
// everything in memory.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

func (s *BadgerStore) Sessions() guard.Store {
	return &badgerSessions{store: s}
}

// update runs fn in a read-write transaction, retrying on conflicts with a
// concurrent writer.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("badger: transaction conflict after %d attempts", maxTxnAttempts)
}

func getJSON(txn *badger.Txn, key string, out any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set([]byte(key), payload)
}

func scanPrefix(txn *badger.Txn, prefix string, fn func(val []byte) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

func exists(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Documents

func (s *BadgerStore) CreateDocument(_ context.Context, doc document.Document) (document.Document, error) {
	created, err := prepareNew(doc, s.now())
	if err != nil {
		return document.Document{}, err
	}
	err = s.update(func(txn *badger.Txn) error {
		key := keyDocuments + created.ID
		if found, err := exists(txn, key); err != nil {
			return err
		} else if found {
			return apperr.Duplicate("DUPLICATE_DOCUMENT", "document id already exists")
		}
		return setJSON(txn, key, created)
	})
	if err != nil {
		return document.Document{}, err
	}
	return created, nil
}

func (s *BadgerStore) GetDocument(_ context.Context, id string) (document.Document, error) {
	var doc document.Document
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, keyDocuments+id, &doc)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return document.Document{}, apperr.NotFound("document", id)
	}
	if err != nil {
		return document.Document{}, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (s *BadgerStore) UpdateDocument(ctx context.Context, id string, patch document.Patch) (document.Document, error) {
	return s.MutateDocument(ctx, id, patchFn(patch))
}

func (s *BadgerStore) MutateDocument(_ context.Context, id string, fn func(*document.Document) error) (document.Document, error) {
	var result document.Document
	err := s.update(func(txn *badger.Txn) error {
		var current document.Document
		if err := getJSON(txn, keyDocuments+id, &current); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return apperr.NotFound("document", id)
			}
			return err
		}
		next, err := applyMutation(current, fn, s.now())
		if err != nil {
			return err
		}
		result = next
		return setJSON(txn, keyDocuments+id, next)
	})
	if err != nil {
		return document.Document{}, err
	}
	return result, nil
}

func (s *BadgerStore) DeleteDocument(_ context.Context, id string) error {
	return s.update(func(txn *badger.Txn) error {
		key := keyDocuments + id
		if found, err := exists(txn, key); err != nil {
			return err
		} else if !found {
			return apperr.NotFound("document", id)
		}
		return txn.Delete([]byte(key))
	})
}

func (s *BadgerStore) loadDocuments(match func(document.Document) bool) ([]document.Document, error) {
	docs := make([]document.Document, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, keyDocuments, func(val []byte) error {
			var doc document.Document
			if err := json.Unmarshal(val, &doc); err != nil {
				return fmt.Errorf("decode document: %w", err)
			}
			if match(doc) {
				docs = append(docs, doc)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scan documents: %w", err)
	}
	sortDocuments(docs)
	return docs, nil
}

func (s *BadgerStore) QueryDocuments(_ context.Context, filter Filter) ([]document.Document, error) {
	return s.loadDocuments(filter.Match)
}

func (s *BadgerStore) SearchDocuments(_ context.Context, text string) ([]document.Document, error) {
	return s.loadDocuments(func(doc document.Document) bool { return doc.Matches(text) })
}

// Users

func (s *BadgerStore) CreateUser(_ context.Context, user User) (User, error) {
	created, err := prepareUser(user, s.now())
	if err != nil {
		return User{}, err
	}
	err = s.update(func(txn *badger.Txn) error {
		if found, err := exists(txn, keyUsersByEmail+created.Email); err != nil {
			return err
		} else if found {
			return apperr.Duplicate("EMAIL_EXISTS", "an account with this email already exists")
		}
		if err := setJSON(txn, keyUsers+created.ID, created); err != nil {
			return err
		}
		return txn.Set([]byte(keyUsersByEmail+created.Email), []byte(created.ID))
	})
	if err != nil {
		return User{}, err
	}
	return created, nil
}

func (s *BadgerStore) GetUser(_ context.Context, id string) (User, error) {
	var user User
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, keyUsers+id, &user)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return User{}, apperr.NotFound("user", id)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *BadgerStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	email = normalizeEmail(email)
	var user User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyUsersByEmail + email))
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, keyUsers+string(id), &user)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return User{}, apperr.NotFound("user", email)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (s *BadgerStore) UpdateUser(_ context.Context, id string, fn func(*User) error) (User, error) {
	var result User
	err := s.update(func(txn *badger.Txn) error {
		var current User
		if err := getJSON(txn, keyUsers+id, &current); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return apperr.NotFound("user", id)
			}
			return err
		}
		next := current
		if err := fn(&next); err != nil {
			return err
		}
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		next.Email = normalizeEmail(next.Email)
		next.UpdatedAt = s.now()
		if next.Email != current.Email {
			if found, err := exists(txn, keyUsersByEmail+next.Email); err != nil {
				return err
			} else if found {
				return apperr.Duplicate("EMAIL_EXISTS", "an account with this email already exists")
			}
			if err := txn.Delete([]byte(keyUsersByEmail + current.Email)); err != nil {
				return err
			}
			if err := txn.Set([]byte(keyUsersByEmail+next.Email), []byte(next.ID)); err != nil {
				return err
			}
		}
		result = next
		return setJSON(txn, keyUsers+id, next)
	})
	if err != nil {
		return User{}, err
	}
	return result, nil
}

func (s *BadgerStore) ListUsers(_ context.Context, filter UserFilter) ([]User, error) {
	users := make([]User, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, keyUsers, func(val []byte) error {
			var user User
			if err := json.Unmarshal(val, &user); err != nil {
				return fmt.Errorf("decode user: %w", err)
			}
			if filter.match(user) {
				users = append(users, user)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	sortUsers(users)
	return users, nil
}

func (s *BadgerStore) SaveVerificationCode(_ context.Context, code VerificationCode) error {
	code.Email = normalizeEmail(code.Email)
	return s.update(func(txn *badger.Txn) error {
		payload, err := json.Marshal(code)
		if err != nil {
			return err
		}
		entry := badger.NewEntry([]byte(keyVerification+code.Email), payload)
		if ttl := time.Until(code.ExpiresAt); ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (s *BadgerStore) ConsumeVerificationCode(_ context.Context, email, code string) (bool, error) {
	email = normalizeEmail(email)
	matched := false
	err := s.update(func(txn *badger.Txn) error {
		matched = false
		var stored VerificationCode
		if err := getJSON(txn, keyVerification+email, &stored); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		if stored.Code != code || !s.now().Before(stored.ExpiresAt) {
			return nil
		}
		matched = true
		return txn.Delete([]byte(keyVerification + email))
	})
	if err != nil {
		return false, fmt.Errorf("consume verification code: %w", err)
	}
	return matched, nil
}

// Signatures

func (s *BadgerStore) SaveSignature(_ context.Context, sig Signature) (Signature, error) {
	saved, err := prepareSignature(sig, s.now())
	if err != nil {
		return Signature{}, err
	}
	err = s.update(func(txn *badger.Txn) error {
		return setJSON(txn, keySignatures+saved.UserID+"/"+saved.ID, saved)
	})
	if err != nil {
		return Signature{}, fmt.Errorf("save signature: %w", err)
	}
	return saved, nil
}

func (s *BadgerStore) ListSignatures(_ context.Context, userID string) ([]Signature, error) {
	sigs := make([]Signature, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, keySignatures+userID+"/", func(val []byte) error {
			var sig Signature
			if err := json.Unmarshal(val, &sig); err != nil {
				return err
			}
			sigs = append(sigs, sig)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list signatures: %w", err)
	}
	sort.SliceStable(sigs, func(i, j int) bool { return sigs[i].CreatedAt.After(sigs[j].CreatedAt) })
	return sigs, nil
}

func (s *BadgerStore) DeleteSignature(_ context.Context, userID, id string) error {
	return s.update(func(txn *badger.Txn) error {
		key := keySignatures + userID + "/" + id
		if found, err := exists(txn, key); err != nil {
			return err
		} else if !found {
			return apperr.NotFound("signature", id)
		}
		return txn.Delete([]byte(key))
	})
}

// Settings

func (s *BadgerStore) GetSettings(_ context.Context, userID string) (Settings, error) {
	settings := DefaultSettings(userID)
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, keySettings+userID, &settings)
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return Settings{}, fmt.Errorf("get settings: %w", err)
	}
	return settings, nil
}

func (s *BadgerStore) SaveSettings(_ context.Context, settings Settings) (Settings, error) {
	if strings.TrimSpace(settings.UserID) == "" {
		return Settings{}, apperr.Validation("MISSING_USER", "settings owner is required")
	}
	err := s.update(func(txn *badger.Txn) error {
		return setJSON(txn, keySettings+settings.UserID, settings)
	})
	if err != nil {
		return Settings{}, fmt.Errorf("save settings: %w", err)
	}
	return settings, nil
}

// Send requests and notifications

func (s *BadgerStore) CreateSendRequest(_ context.Context, req SendRequest) (SendRequest, error) {
	req = prepareSendRequest(req, s.now())
	err := s.update(func(txn *badger.Txn) error {
		return setJSON(txn, keySendRequests+req.ID, req)
	})
	if err != nil {
		return SendRequest{}, fmt.Errorf("create send request: %w", err)
	}
	return req, nil
}

func (s *BadgerStore) ListSendRequests(_ context.Context, documentID string) ([]SendRequest, error) {
	reqs := make([]SendRequest, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, keySendRequests, func(val []byte) error {
			var req SendRequest
			if err := json.Unmarshal(val, &req); err != nil {
				return err
			}
			if documentID == "" || req.DocumentID == documentID {
				reqs = append(reqs, req)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list send requests: %w", err)
	}
	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].CreatedAt.After(reqs[j].CreatedAt) })
	return reqs, nil
}

func (s *BadgerStore) CreateNotification(_ context.Context, n Notification) (Notification, error) {
	n = prepareNotification(n, s.now())
	err := s.update(func(txn *badger.Txn) error {
		return setJSON(txn, keyNotifications+n.ID, n)
	})
	if err != nil {
		return Notification{}, fmt.Errorf("create notification: %w", err)
	}
	return n, nil
}

func (s *BadgerStore) ListNotifications(_ context.Context, email string) ([]Notification, error) {
	email = normalizeEmail(email)
	items := make([]Notification, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, keyNotifications, func(val []byte) error {
			var n Notification
			if err := json.Unmarshal(val, &n); err != nil {
				return err
			}
			if n.To == email {
				items = append(items, n)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return items, nil
}

func (s *BadgerStore) MarkNotificationRead(_ context.Context, id string) (Notification, error) {
	var result Notification
	err := s.update(func(txn *badger.Txn) error {
		if err := getJSON(txn, keyNotifications+id, &result); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return apperr.NotFound("notification", id)
			}
			return err
		}
		result.Read = true
		return setJSON(txn, keyNotifications+id, result)
	})
	if err != nil {
		return Notification{}, err
	}
	return result, nil
}

// Audit

func auditKey(event AuditEvent) string {
	return fmt.Sprintf("%s%s/%020d/%s", keyAudit, event.DocumentID, event.At.UnixNano(), event.ID)
}

func (s *BadgerStore) AppendAudit(_ context.Context, event AuditEvent) error {
	event = prepareAudit(event, s.now())
	err := s.update(func(txn *badger.Txn) error {
		return setJSON(txn, auditKey(event), event)
	})
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns a document's events oldest first.
func (s *BadgerStore) ListAudit(_ context.Context, documentID string) ([]AuditEvent, error) {
	events := make([]AuditEvent, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, keyAudit+documentID+"/", func(val []byte) error {
			var event AuditEvent
			if err := json.Unmarshal(val, &event); err != nil {
				return err
			}
			events = append(events, event)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	return events, nil
}

// badgerSessions stores guard sessions with a key TTL slightly past expiry.
type badgerSessions struct {
	store *BadgerStore
}

func (b *badgerSessions) put(txn *badger.Txn, session guard.Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	entry := badger.NewEntry([]byte(keySessions+session.ID), payload).WithTTL(sessionKeyTTL(session))
	return txn.SetEntry(entry)
}

func (b *badgerSessions) Save(_ context.Context, session guard.Session) error {
	return b.store.update(func(txn *badger.Txn) error { return b.put(txn, session) })
}

func (b *badgerSessions) Get(_ context.Context, id string) (guard.Session, error) {
	var session guard.Session
	err := b.store.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, keySessions+id, &session)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return guard.Session{}, guard.ErrSessionNotFound
	}
	if err != nil {
		return guard.Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (b *badgerSessions) Update(_ context.Context, id string, fn func(*guard.Session) error) (guard.Session, error) {
	var result guard.Session
	err := b.store.update(func(txn *badger.Txn) error {
		var session guard.Session
		if err := getJSON(txn, keySessions+id, &session); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return guard.ErrSessionNotFound
			}
			return err
		}
		if err := fn(&session); err != nil {
			return err
		}
		result = session
		return b.put(txn, session)
	})
	if err != nil {
		return guard.Session{}, err
	}
	return result, nil
}

func (b *badgerSessions) Delete(_ context.Context, id string) error {
	return b.store.update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keySessions + id))
	})
}

func (b *badgerSessions) List(_ context.Context) ([]guard.Session, error) {
	sessions := make([]guard.Session, 0)
	err := b.store.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, keySessions, func(val []byte) error {
			var session guard.Session
			if err := json.Unmarshal(val, &session); err != nil {
				return err
			}
			sessions = append(sessions, session)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// sessionKeyTTL keeps an expired session around long enough for the guard
// ticker to report it.
func sessionKeyTTL(session guard.Session) time.Duration {
	ttl := time.Until(session.ExpiresAt) + 10*time.Minute
	if ttl < 10*time.Minute {
		ttl = 10 * time.Minute
	}
	return ttl
}
