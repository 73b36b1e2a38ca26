package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"

	"hyperchat-go/internal/model"
)

// sqliteStore 是默认的本地持久化实现，每个产品一张表。
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore 创建基于 SQLite 的 Store，并确保所有产品表存在。
func NewSQLiteStore(ctx context.Context, db *sql.DB) (Store, error) {
	for _, product := range model.Products() {
		table := tableName(product)
		stmt := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id            TEXT PRIMARY KEY,
				summary       TEXT    NOT NULL DEFAULT '',
				configuration TEXT    NOT NULL DEFAULT '{}',
				messages      TEXT    NOT NULL DEFAULT '[]',
				created_at    INTEGER NOT NULL,
				updated_at    INTEGER NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_%s_updated_at ON %s(updated_at);`, table, table, table)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create table %s: %w", table, err)
		}
	}
	return &sqliteStore{db: db}, nil
}

func tableName(product model.Product) string {
	return "conversations_" + string(product)
}

func (s *sqliteStore) Conversations(product model.Product) (ConversationRepository, error) {
	if err := checkProduct(product); err != nil {
		return nil, err
	}
	return &sqliteConversationRepository{db: s.db, product: product, table: tableName(product)}, nil
}

type sqliteConversationRepository struct {
	db      *sql.DB
	product model.Product
	table   string
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *sqliteConversationRepository) scan(row rowScanner) (*model.Conversation, error) {
	var (
		conv                model.Conversation
		cfgRaw, messagesRaw string
		createdAt, updated  int64
	)
	if err := row.Scan(&conv.ID, &conv.Summary, &cfgRaw, &messagesRaw, &createdAt, &updated); err != nil {
		return nil, err
	}
	cfg, err := decodeConfiguration(cfgRaw)
	if err != nil {
		return nil, err
	}
	messages, err := decodeMessages(messagesRaw)
	if err != nil {
		return nil, err
	}
	conv.Product = r.product
	conv.Configuration = cfg
	conv.Messages = messages
	conv.CreatedAt = fromMillis(createdAt)
	conv.UpdatedAt = fromMillis(updated)
	return &conv, nil
}

func (r *sqliteConversationRepository) GetByID(ctx context.Context, id string) (*model.Conversation, error) {
	row := r.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, summary, configuration, messages, created_at, updated_at FROM %s WHERE id = ?`, r.table), id)
	conv, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

func (r *sqliteConversationRepository) Insert(ctx context.Context, conversation model.Conversation) error {
	cfg, err := encodeConfiguration(conversation.Configuration)
	if err != nil {
		return err
	}
	messages, err := encodeMessages(conversation.Messages)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, summary, configuration, messages, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`, r.table),
		conversation.ID, conversation.Summary, cfg, messages,
		toMillis(conversation.CreatedAt), toMillis(conversation.UpdatedAt))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrConversationExists
		}
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

// UpdateFields 用单条 UPDATE 语句写入补丁中的字段。
func (r *sqliteConversationRepository) UpdateFields(ctx context.Context, id string, patch model.ConversationPatch) error {
	var (
		sets []string
		args []interface{}
	)
	if patch.Summary != nil {
		sets = append(sets, "summary = ?")
		args = append(args, *patch.Summary)
	}
	if patch.Messages != nil {
		messages, err := encodeMessages(patch.Messages)
		if err != nil {
			return err
		}
		sets = append(sets, "messages = ?")
		args = append(args, messages)
	}
	if patch.UpdatedAt != nil {
		sets = append(sets, "updated_at = ?")
		args = append(args, toMillis(*patch.UpdatedAt))
	}

	if len(sets) == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return nil
	}

	args = append(args, id)
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, r.table, strings.Join(sets, ", ")), args...)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if affected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (r *sqliteConversationRepository) ListRecent(ctx context.Context, limit int) ([]model.Conversation, error) {
	query := fmt.Sprintf(`SELECT id, summary, configuration, messages, created_at, updated_at FROM %s ORDER BY updated_at DESC`, r.table)
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	result := []model.Conversation{}
	for rows.Next() {
		conv, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		result = append(result, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return result, nil
}
