package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

var ErrNotFound = errors.New("not found")

var (
	configColumns    = []string{"id", "title", "api_key", "vector_store_id", "created_at", "updated_at"}
	assistantColumns = []string{"id", "config_id", "name", "instructions", "model", "model_manual", "temperature", "top_p", "max_tokens", "remote_id", "status", "status_cause", "created_at", "updated_at", "status_changed_at"}
	fileColumns      = []string{"id", "config_id", "filename", "remote_id", "size_bytes", "status", "created_at", "updated_at"}
)

type rowScanner interface {
	Scan(dest ...any) error
}

// Configurations

func (s *Store) CreateConfiguration(ctx context.Context, c Configuration) (int64, error) {
	q := s.sql.Insert("configurations").
		Columns("title", "api_key", "vector_store_id").
		Values(c.Title, c.APIKey, c.VectorStoreID).
		Suffix("RETURNING id")
	return s.insertReturningID(ctx, q, "configuration")
}

func (s *Store) GetConfiguration(ctx context.Context, id int64) (Configuration, error) {
	q := s.sql.Select(configColumns...).From("configurations").Where(sq.Eq{"id": id})
	return s.queryConfiguration(ctx, q, "get configuration")
}

// FirstConfiguration returns the oldest configuration, used to enforce the
// one-configuration rule.
func (s *Store) FirstConfiguration(ctx context.Context) (Configuration, error) {
	q := s.sql.Select(configColumns...).From("configurations").OrderBy("id ASC").Limit(1)
	return s.queryConfiguration(ctx, q, "first configuration")
}

// ActiveConfiguration is the most recently touched configuration holding a key.
func (s *Store) ActiveConfiguration(ctx context.Context) (Configuration, error) {
	q := s.sql.Select(configColumns...).
		From("configurations").
		Where(sq.And{sq.NotEq{"api_key": nil}, sq.NotEq{"api_key": ""}}).
		OrderBy("updated_at DESC", "id DESC").
		Limit(1)
	return s.queryConfiguration(ctx, q, "active configuration")
}

func (s *Store) UpdateConfiguration(ctx context.Context, c Configuration) error {
	q := s.sql.Update("configurations").
		Set("title", c.Title).
		Set("api_key", c.APIKey).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": c.ID})
	return s.execOne(ctx, q, "update configuration")
}

// AssignVectorStoreID stores storeID only when the configuration has none and
// returns the id that ended up stored.
func (s *Store) AssignVectorStoreID(ctx context.Context, configID int64, storeID string) (string, error) {
	q := s.sql.Update("configurations").
		Set("vector_store_id", storeID).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.And{sq.Eq{"id": configID}, sq.Or{sq.Eq{"vector_store_id": nil}, sq.Eq{"vector_store_id": ""}}})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build assign vector store query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return "", fmt.Errorf("assign vector store: %w", err)
	}
	c, err := s.GetConfiguration(ctx, configID)
	if err != nil {
		return "", err
	}
	return Deref(c.VectorStoreID), nil
}

// DeleteConfiguration removes the configuration and its children in one
// transaction; sqlite does not enforce the foreign key cascade by default.
func (s *Store) DeleteConfiguration(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete configuration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"files", "assistants"} {
		sqlStr, args, err := s.sql.Delete(table).Where(sq.Eq{"config_id": id}).ToSql()
		if err != nil {
			return fmt.Errorf("build delete %s query: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}

	sqlStr, args, err := s.sql.Delete("configurations").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete configuration query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete configuration: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete configuration: %w", err)
	}
	return nil
}

func (s *Store) queryConfiguration(ctx context.Context, q sq.SelectBuilder, op string) (Configuration, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Configuration{}, fmt.Errorf("build %s query: %w", op, err)
	}
	c, err := scanConfiguration(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Configuration{}, ErrNotFound
		}
		return Configuration{}, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

func scanConfiguration(row rowScanner) (Configuration, error) {
	var c Configuration
	var apiKey, storeID sql.NullString
	if err := row.Scan(&c.ID, &c.Title, &apiKey, &storeID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Configuration{}, err
	}
	c.APIKey = nullString(apiKey)
	c.VectorStoreID = nullString(storeID)
	return c, nil
}

// Assistants

func (s *Store) CreateAssistant(ctx context.Context, a Assistant) (int64, error) {
	if a.Status == "" {
		a.Status = AssistantPending
	}
	model, manual := a.Model.columns()
	q := s.sql.Insert("assistants").
		Columns("config_id", "name", "instructions", "model", "model_manual", "temperature", "top_p", "max_tokens", "remote_id", "status", "status_cause").
		Values(a.ConfigID, a.Name, a.Instructions, model, manual, a.Temperature, a.TopP, a.MaxTokens, a.RemoteID, string(a.Status), a.StatusCause).
		Suffix("RETURNING id")
	return s.insertReturningID(ctx, q, "assistant")
}

func (s *Store) GetAssistant(ctx context.Context, id int64) (Assistant, error) {
	q := s.sql.Select(assistantColumns...).From("assistants").Where(sq.Eq{"id": id})
	return s.queryAssistant(ctx, q, "get assistant")
}

// AssistantForConfiguration returns the oldest assistant of a configuration.
func (s *Store) AssistantForConfiguration(ctx context.Context, configID int64) (Assistant, error) {
	q := s.sql.Select(assistantColumns...).
		From("assistants").
		Where(sq.Eq{"config_id": configID}).
		OrderBy("id ASC").
		Limit(1)
	return s.queryAssistant(ctx, q, "assistant for configuration")
}

func (s *Store) ActiveAssistant(ctx context.Context, configID int64) (Assistant, error) {
	q := s.sql.Select(assistantColumns...).
		From("assistants").
		Where(sq.Eq{"config_id": configID, "status": string(AssistantActive)}).
		OrderBy("updated_at DESC", "id DESC").
		Limit(1)
	return s.queryAssistant(ctx, q, "active assistant")
}

func (s *Store) ListAssistants(ctx context.Context, configID int64) ([]Assistant, error) {
	q := s.sql.Select(assistantColumns...).
		From("assistants").
		Where(sq.Eq{"config_id": configID}).
		OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list assistants query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list assistants: %w", err)
	}
	defer rows.Close()

	out := make([]Assistant, 0)
	for rows.Next() {
		a, err := scanAssistant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assistant: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAssistant writes the editable fields. Status and remote id have their
// own setters.
func (s *Store) UpdateAssistant(ctx context.Context, a Assistant) error {
	model, manual := a.Model.columns()
	q := s.sql.Update("assistants").
		Set("name", a.Name).
		Set("instructions", a.Instructions).
		Set("model", model).
		Set("model_manual", manual).
		Set("temperature", a.Temperature).
		Set("top_p", a.TopP).
		Set("max_tokens", a.MaxTokens).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": a.ID})
	return s.execOne(ctx, q, "update assistant")
}

func (s *Store) SetAssistantStatus(ctx context.Context, id int64, status AssistantStatus, cause string) error {
	q := s.sql.Update("assistants").
		Set("status", string(status)).
		Set("status_cause", cause).
		Set("updated_at", nowExpr(s.driver)).
		Set("status_changed_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": id})
	return s.execOne(ctx, q, "set assistant status")
}

func (s *Store) SetAssistantRemote(ctx context.Context, id int64, remoteID string, status AssistantStatus) error {
	q := s.sql.Update("assistants").
		Set("remote_id", StringPtr(remoteID)).
		Set("status", string(status)).
		Set("status_cause", "").
		Set("updated_at", nowExpr(s.driver)).
		Set("status_changed_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": id})
	return s.execOne(ctx, q, "set assistant remote id")
}

func (s *Store) DeleteAssistant(ctx context.Context, id int64) error {
	return s.execOne(ctx, s.sql.Delete("assistants").Where(sq.Eq{"id": id}), "delete assistant")
}

func (s *Store) queryAssistant(ctx context.Context, q sq.SelectBuilder, op string) (Assistant, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Assistant{}, fmt.Errorf("build %s query: %w", op, err)
	}
	a, err := scanAssistant(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Assistant{}, ErrNotFound
		}
		return Assistant{}, fmt.Errorf("%s: %w", op, err)
	}
	return a, nil
}

func scanAssistant(row rowScanner) (Assistant, error) {
	var a Assistant
	var model, manual, status string
	var remoteID sql.NullString
	if err := row.Scan(
		&a.ID,
		&a.ConfigID,
		&a.Name,
		&a.Instructions,
		&model,
		&manual,
		&a.Temperature,
		&a.TopP,
		&a.MaxTokens,
		&remoteID,
		&status,
		&a.StatusCause,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.StatusChangedAt,
	); err != nil {
		return Assistant{}, err
	}
	st, err := ParseAssistantStatus(status)
	if err != nil {
		return Assistant{}, err
	}
	a.Status = st
	a.Model = ParseModel(model, manual)
	a.RemoteID = nullString(remoteID)
	return a, nil
}

// Files

func (s *Store) CreateFile(ctx context.Context, f File) (int64, error) {
	if f.Status == "" {
		f.Status = FilePending
	}
	q := s.sql.Insert("files").
		Columns("config_id", "filename", "remote_id", "size_bytes", "status").
		Values(f.ConfigID, f.Filename, f.RemoteID, f.SizeBytes, string(f.Status)).
		Suffix("RETURNING id")
	return s.insertReturningID(ctx, q, "file")
}

func (s *Store) GetFile(ctx context.Context, id int64) (File, error) {
	q := s.sql.Select(fileColumns...).From("files").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return File{}, fmt.Errorf("build get file query: %w", err)
	}
	f, err := scanFile(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return File{}, ErrNotFound
		}
		return File{}, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

func (s *Store) ListFiles(ctx context.Context, configID int64) ([]File, error) {
	q := s.sql.Select(fileColumns...).
		From("files").
		Where(sq.Eq{"config_id": configID}).
		OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list files query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	out := make([]File, 0)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) UpdateFile(ctx context.Context, f File) error {
	q := s.sql.Update("files").
		Set("filename", f.Filename).
		Set("remote_id", f.RemoteID).
		Set("size_bytes", f.SizeBytes).
		Set("status", string(f.Status)).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": f.ID})
	return s.execOne(ctx, q, "update file")
}

func (s *Store) DeleteFile(ctx context.Context, id int64) error {
	return s.execOne(ctx, s.sql.Delete("files").Where(sq.Eq{"id": id}), "delete file")
}

func scanFile(row rowScanner) (File, error) {
	var f File
	var status string
	var remoteID sql.NullString
	if err := row.Scan(&f.ID, &f.ConfigID, &f.Filename, &remoteID, &f.SizeBytes, &status, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return File{}, err
	}
	st, err := ParseFileStatus(status)
	if err != nil {
		return File{}, err
	}
	f.Status = st
	f.RemoteID = nullString(remoteID)
	return f, nil
}

// Audit

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" {
		e.MetaJSON = "{}"
	}
	if !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("config_id", "actor", "action", "meta_json").
		Values(e.ConfigID, e.Actor, e.Action, e.MetaJSON)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) insertReturningID(ctx context.Context, q sq.InsertBuilder, what string) (int64, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build %s insert query: %w", what, err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert %s: %w", what, err)
	}
	return id, nil
}

func (s *Store) execOne(ctx context.Context, q sq.Sqlizer, op string) error {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build %s query: %w", op, err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
