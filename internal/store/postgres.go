package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memohai/groupwatch/internal/message"
)

// OpenPool builds a pgxpool and verifies connectivity.
func OpenPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		pcfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Postgres stores session state in tenant_sessions and archives message
// groups into tenant_messages. It does not own the pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgres(log *slog.Logger, pool *pgxpool.Pool) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("store: nil pool")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Postgres{pool: pool, logger: log.With(slog.String("component", "store"))}, nil
}

func (s *Postgres) Save(ctx context.Context, tenantID string, blob []byte) error {
	if !ValidTenantID(tenantID) {
		return ErrInvalidTenant
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_sessions (tenant_id, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tenant_id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()
	`, tenantID, blob)
	if err != nil {
		return fmt.Errorf("save session state: %w", err)
	}
	return nil
}

func (s *Postgres) Load(ctx context.Context, tenantID string) ([]byte, bool, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM tenant_sessions WHERE tenant_id = $1`, tenantID).Scan(&blob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load session state: %w", err)
	}
	return blob, true, nil
}

func (s *Postgres) Delete(ctx context.Context, tenantID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM tenant_sessions WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("delete session state: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const archiveTimeout = 5 * time.Second

// OnGroupUpdated upserts the group's messages. Failures are logged only.
func (s *Postgres) OnGroupUpdated(ctx context.Context, tenantID string, group message.Group, _ []message.Message) {
	if len(group.Messages) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()
	batch := &pgx.Batch{}
	for _, msg := range group.Messages {
		var ref *string
		if msg.AttachmentRef != "" {
			r := msg.AttachmentRef
			ref = &r
		}
		batch.Queue(`
			INSERT INTO tenant_messages
				(tenant_id, id, conversation_id, author_id, group_id, kind, body, has_attachment, attachment_ref, sent_at, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (tenant_id, id) DO UPDATE SET
				group_id = EXCLUDED.group_id,
				attachment_ref = COALESCE(tenant_messages.attachment_ref, EXCLUDED.attachment_ref)
		`, tenantID, msg.ID, msg.ConversationID, msg.AuthorID, group.ID, string(msg.Kind), msg.Body,
			msg.HasAttachment, ref, time.Unix(msg.Timestamp, 0).UTC(), time.Unix(msg.ReceivedAt, 0).UTC())
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		s.logger.Warn("archive group failed",
			slog.String("tenant_id", tenantID),
			slog.String("group_id", group.ID),
			slog.Any("error", err),
		)
	}
}
