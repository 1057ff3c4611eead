package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"signflow/api/internal/apperr"
	"signflow/api/internal/document"
	"signflow/api/internal/guard"

	"github.com/jackc/pgx/v5/pgconn"
)

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Sessions() guard.Store {
	return &postgresSessions{db: s.db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// likePattern builds a case-insensitive containment pattern with the LIKE
// wildcards in text escaped.
func likePattern(text string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(strings.TrimSpace(text)) + "%"
}

// Documents

func (s *PostgresStore) CreateDocument(ctx context.Context, doc document.Document) (document.Document, error) {
	created, err := prepareNew(doc, s.now())
	if err != nil {
		return document.Document{}, err
	}
	payload, err := json.Marshal(created)
	if err != nil {
		return document.Document{}, fmt.Errorf("marshal document: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, owner_id, name, type, status, version, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, created.ID, created.OwnerID, created.Name, string(created.Type), string(created.Status), created.Version, string(payload), created.CreatedAt, created.UpdatedAt)
	if err != nil {
		return document.Document{}, fmt.Errorf("insert document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return document.Document{}, apperr.Duplicate("DUPLICATE_DOCUMENT", "document id already exists")
	}
	return created, nil
}

func decodeDocument(raw []byte) (document.Document, error) {
	var doc document.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return document.Document{}, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (document.Document, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM documents WHERE id=$1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return document.Document{}, apperr.NotFound("document", id)
	}
	if err != nil {
		return document.Document{}, fmt.Errorf("get document: %w", err)
	}
	return decodeDocument(raw)
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, id string, patch document.Patch) (document.Document, error) {
	return s.MutateDocument(ctx, id, patchFn(patch))
}

// MutateDocument locks the row, applies fn and writes back guarded by the
// version it read.
func (s *PostgresStore) MutateDocument(ctx context.Context, id string, fn func(*document.Document) error) (document.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return document.Document{}, fmt.Errorf("begin mutate tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	var version int64
	err = tx.QueryRowContext(ctx, `SELECT data, version FROM documents WHERE id=$1 FOR UPDATE`, id).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return document.Document{}, apperr.NotFound("document", id)
	}
	if err != nil {
		return document.Document{}, fmt.Errorf("lock document: %w", err)
	}
	current, err := decodeDocument(raw)
	if err != nil {
		return document.Document{}, err
	}
	current.Version = version

	next, err := applyMutation(current, fn, s.now())
	if err != nil {
		return document.Document{}, err
	}
	payload, err := json.Marshal(next)
	if err != nil {
		return document.Document{}, fmt.Errorf("marshal document: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET name=$3, status=$4, version=$5, data=$6, updated_at=$7
		WHERE id=$1 AND version=$2
	`, id, version, next.Name, string(next.Status), next.Version, string(payload), next.UpdatedAt)
	if err != nil {
		return document.Document{}, fmt.Errorf("update document: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return document.Document{}, fmt.Errorf("update document %s: version %d is stale", id, version)
	}
	if err := tx.Commit(); err != nil {
		return document.Document{}, fmt.Errorf("commit document: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("document", id)
	}
	return nil
}

func (s *PostgresStore) queryDocuments(ctx context.Context, query string, args ...any) ([]document.Document, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs := make([]document.Document, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc, err := decodeDocument(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

func (s *PostgresStore) QueryDocuments(ctx context.Context, filter Filter) ([]document.Document, error) {
	var conditions []string
	var args []any
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		conditions = append(conditions, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		conditions = append(conditions, fmt.Sprintf("type = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = string(status)
		}
		args = append(args, statuses)
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	query := `SELECT data FROM documents`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	return s.queryDocuments(ctx, query, args...)
}

func (s *PostgresStore) SearchDocuments(ctx context.Context, text string) ([]document.Document, error) {
	if strings.TrimSpace(text) == "" {
		return s.QueryDocuments(ctx, Filter{})
	}
	return s.queryDocuments(ctx, `
		SELECT data FROM documents
		WHERE name ILIKE $1
			OR data->>'description' ILIKE $1
			OR data->>'sender' ILIKE $1
			OR EXISTS (
				SELECT 1 FROM jsonb_array_elements(COALESCE(data->'recipients', '[]'::jsonb)) r
				WHERE r->>'name' ILIKE $1 OR r->>'email' ILIKE $1
			)
		ORDER BY created_at DESC, id DESC
	`, likePattern(text))
}

// Users

const selectUser = `
	SELECT u.id, u.email, u.name, u.provider, u.password_hash, u.role, u.status, u.verified,
		u.created_at, u.updated_at, COALESCE(m.suspend_reason, ''), m.last_login
	FROM users u
	LEFT JOIN user_metadata m ON m.user_id = u.id
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var user User
	var lastLogin sql.NullTime
	err := row.Scan(&user.ID, &user.Email, &user.Name, &user.Provider, &user.PasswordHash, &user.Role,
		&user.Status, &user.Verified, &user.CreatedAt, &user.UpdatedAt, &user.SuspendReason, &lastLogin)
	if err != nil {
		return User{}, err
	}
	if lastLogin.Valid {
		at := lastLogin.Time
		user.LastLogin = &at
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	created, err := prepareUser(user, s.now())
	if err != nil {
		return User{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin user tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, email, name, provider, password_hash, role, status, verified, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, created.ID, created.Email, created.Name, created.Provider, created.PasswordHash, created.Role,
		created.Status, created.Verified, created.CreatedAt, created.UpdatedAt)
	if isUniqueViolation(err) {
		return User{}, apperr.Duplicate("EMAIL_EXISTS", "an account with this email already exists")
	}
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	if err := upsertUserMetadata(ctx, tx, created); err != nil {
		return User{}, err
	}
	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit user: %w", err)
	}
	return created, nil
}

func upsertUserMetadata(ctx context.Context, tx *sql.Tx, user User) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO user_metadata (user_id, suspend_reason, last_login)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET suspend_reason=EXCLUDED.suspend_reason, last_login=EXCLUDED.last_login
	`, user.ID, user.SuspendReason, user.LastLogin)
	if err != nil {
		return fmt.Errorf("upsert user metadata: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, selectUser+` WHERE u.id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, apperr.NotFound("user", id)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	email = normalizeEmail(email)
	user, err := scanUser(s.db.QueryRowContext(ctx, selectUser+` WHERE u.email=$1`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, apperr.NotFound("user", email)
	}
	if err != nil {
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, id string, fn func(*User) error) (User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin user tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanUser(tx.QueryRowContext(ctx, selectUser+` WHERE u.id=$1 FOR UPDATE OF u`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, apperr.NotFound("user", id)
	}
	if err != nil {
		return User{}, fmt.Errorf("lock user: %w", err)
	}
	next := current
	if err := fn(&next); err != nil {
		return User{}, err
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	next.Email = normalizeEmail(next.Email)
	next.UpdatedAt = s.now()

	_, err = tx.ExecContext(ctx, `
		UPDATE users
		SET email=$2, name=$3, provider=$4, password_hash=$5, role=$6, status=$7, verified=$8, updated_at=$9
		WHERE id=$1
	`, next.ID, next.Email, next.Name, next.Provider, next.PasswordHash, next.Role, next.Status, next.Verified, next.UpdatedAt)
	if isUniqueViolation(err) {
		return User{}, apperr.Duplicate("EMAIL_EXISTS", "an account with this email already exists")
	}
	if err != nil {
		return User{}, fmt.Errorf("update user: %w", err)
	}
	if err := upsertUserMetadata(ctx, tx, next); err != nil {
		return User{}, err
	}
	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit user: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context, filter UserFilter) ([]User, error) {
	var conditions []string
	var args []any
	if filter.Role != "" {
		args = append(args, filter.Role)
		conditions = append(conditions, fmt.Sprintf("u.role = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("u.status = $%d", len(args)))
	}
	if strings.TrimSpace(filter.Query) != "" {
		args = append(args, likePattern(filter.Query))
		conditions = append(conditions, fmt.Sprintf("(u.name ILIKE $%d OR u.email ILIKE $%d)", len(args), len(args)))
	}
	query := selectUser
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY u.created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (s *PostgresStore) SaveVerificationCode(ctx context.Context, code VerificationCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_codes (email, code, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET code=EXCLUDED.code, expires_at=EXCLUDED.expires_at
	`, normalizeEmail(code.Email), code.Code, code.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save verification code: %w", err)
	}
	return nil
}

func (s *PostgresStore) ConsumeVerificationCode(ctx context.Context, email, code string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM verification_codes WHERE email=$1 AND code=$2 AND expires_at > $3
	`, normalizeEmail(email), code, s.now())
	if err != nil {
		return false, fmt.Errorf("consume verification code: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Signatures

func (s *PostgresStore) SaveSignature(ctx context.Context, sig Signature) (Signature, error) {
	saved, err := prepareSignature(sig, s.now())
	if err != nil {
		return Signature{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO signatures (id, user_id, kind, data, object_key, font, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, saved.ID, saved.UserID, saved.Kind, saved.Data, saved.ObjectKey, saved.Font, saved.CreatedAt)
	if err != nil {
		return Signature{}, fmt.Errorf("insert signature: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) ListSignatures(ctx context.Context, userID string) ([]Signature, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, kind, data, object_key, font, created_at
		FROM signatures
		WHERE user_id=$1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list signatures: %w", err)
	}
	defer rows.Close()

	sigs := make([]Signature, 0)
	for rows.Next() {
		var sig Signature
		if err := rows.Scan(&sig.ID, &sig.UserID, &sig.Kind, &sig.Data, &sig.ObjectKey, &sig.Font, &sig.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signature: %w", err)
		}
		sigs = append(sigs, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signatures: %w", err)
	}
	return sigs, nil
}

func (s *PostgresStore) DeleteSignature(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM signatures WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete signature: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("signature", id)
	}
	return nil
}

// Settings

func (s *PostgresStore) GetSettings(ctx context.Context, userID string) (Settings, error) {
	settings := DefaultSettings(userID)
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM settings WHERE user_id=$1`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return settings, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("get settings: %w", err)
	}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return settings, nil
}

func (s *PostgresStore) SaveSettings(ctx context.Context, settings Settings) (Settings, error) {
	if strings.TrimSpace(settings.UserID) == "" {
		return Settings{}, apperr.Validation("MISSING_USER", "settings owner is required")
	}
	payload, err := json.Marshal(settings)
	if err != nil {
		return Settings{}, fmt.Errorf("marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (user_id, data, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET data=EXCLUDED.data, updated_at=EXCLUDED.updated_at
	`, settings.UserID, string(payload), s.now())
	if err != nil {
		return Settings{}, fmt.Errorf("save settings: %w", err)
	}
	return settings, nil
}

// Send requests and notifications

func (s *PostgresStore) CreateSendRequest(ctx context.Context, req SendRequest) (SendRequest, error) {
	req = prepareSendRequest(req, s.now())
	payload, err := json.Marshal(req)
	if err != nil {
		return SendRequest{}, fmt.Errorf("marshal send request: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO send_requests (id, document_id, data, created_at) VALUES ($1, $2, $3, $4)
	`, req.ID, req.DocumentID, string(payload), req.CreatedAt)
	if err != nil {
		return SendRequest{}, fmt.Errorf("insert send request: %w", err)
	}
	return req, nil
}

func (s *PostgresStore) ListSendRequests(ctx context.Context, documentID string) ([]SendRequest, error) {
	query := `SELECT data FROM send_requests`
	var args []any
	if documentID != "" {
		query += ` WHERE document_id=$1`
		args = append(args, documentID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list send requests: %w", err)
	}
	defer rows.Close()

	reqs := make([]SendRequest, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan send request: %w", err)
		}
		var req SendRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decode send request: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate send requests: %w", err)
	}
	return reqs, nil
}

func (s *PostgresStore) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	n = prepareNotification(n, s.now())
	payload, err := json.Marshal(n)
	if err != nil {
		return Notification{}, fmt.Errorf("marshal notification: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_email, read, data, created_at) VALUES ($1, $2, $3, $4, $5)
	`, n.ID, n.To, n.Read, string(payload), n.CreatedAt)
	if err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, email string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data, read FROM notifications WHERE recipient_email=$1 ORDER BY created_at DESC
	`, normalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var raw []byte
		var read bool
		if err := rows.Scan(&raw, &read); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		var n Notification
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("decode notification: %w", err)
		}
		n.Read = read
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, id string) (Notification, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		UPDATE notifications SET read=TRUE WHERE id=$1 RETURNING data
	`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, apperr.NotFound("notification", id)
	}
	if err != nil {
		return Notification{}, fmt.Errorf("mark notification read: %w", err)
	}
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	n.Read = true
	return n, nil
}

// Audit

func (s *PostgresStore) AppendAudit(ctx context.Context, event AuditEvent) error {
	event = prepareAudit(event, s.now())
	var payload any
	if len(event.Payload) > 0 {
		payload = string(event.Payload)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, kind, document_id, actor, recipient_index, from_status, to_status, at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, event.ID, event.Kind, event.DocumentID, event.Actor, event.RecipientIndex, event.From, event.To, event.At, payload)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, documentID string) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, document_id, actor, recipient_index, from_status, to_status, at, payload
		FROM audit_log
		WHERE document_id=$1
		ORDER BY at ASC, id ASC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	events := make([]AuditEvent, 0)
	for rows.Next() {
		var event AuditEvent
		var index sql.NullInt32
		var payload []byte
		if err := rows.Scan(&event.ID, &event.Kind, &event.DocumentID, &event.Actor, &index, &event.From, &event.To, &event.At, &payload); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if index.Valid {
			value := int(index.Int32)
			event.RecipientIndex = &value
		}
		if len(payload) > 0 {
			event.Payload = json.RawMessage(payload)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return events, nil
}

// postgresSessions keeps guard sessions in the sessions table.
type postgresSessions struct {
	db *sql.DB
}

func (p *postgresSessions) Save(ctx context.Context, session guard.Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, expires_at, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET expires_at=EXCLUDED.expires_at, data=EXCLUDED.data
	`, session.ID, session.UserID, session.ExpiresAt, string(payload))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func decodeSession(raw []byte) (guard.Session, error) {
	var session guard.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return guard.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return session, nil
}

func (p *postgresSessions) Get(ctx context.Context, id string) (guard.Session, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id=$1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return guard.Session{}, guard.ErrSessionNotFound
	}
	if err != nil {
		return guard.Session{}, fmt.Errorf("get session: %w", err)
	}
	return decodeSession(raw)
}

func (p *postgresSessions) Update(ctx context.Context, id string, fn func(*guard.Session) error) (guard.Session, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return guard.Session{}, fmt.Errorf("begin session tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id=$1 FOR UPDATE`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return guard.Session{}, guard.ErrSessionNotFound
	}
	if err != nil {
		return guard.Session{}, fmt.Errorf("lock session: %w", err)
	}
	session, err := decodeSession(raw)
	if err != nil {
		return guard.Session{}, err
	}
	if err := fn(&session); err != nil {
		return guard.Session{}, err
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return guard.Session{}, fmt.Errorf("marshal session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET expires_at=$2, data=$3 WHERE id=$1`, id, session.ExpiresAt, string(payload)); err != nil {
		return guard.Session{}, fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return guard.Session{}, fmt.Errorf("commit session: %w", err)
	}
	return session, nil
}

func (p *postgresSessions) Delete(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (p *postgresSessions) List(ctx context.Context) ([]guard.Session, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT data FROM sessions ORDER BY expires_at`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]guard.Session, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		session, err := decodeSession(raw)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}
