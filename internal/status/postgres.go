package status

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"PrioMail/internal/models"
)

// PostgresBackend stores snapshots in an email_statuses table. Save replaces
// the table contents inside one transaction so the durable state always
// matches a single snapshot.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

func NewPostgresBackend(ctx context.Context, conn string) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}

	_, err = pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS email_statuses (
			task_id      TEXT PRIMARY KEY,
			recipient    TEXT NOT NULL,
			subject      TEXT NOT NULL,
			group_id     TEXT NOT NULL DEFAULT '',
			batch_id     TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			attempts     INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 3,
			priority     INT NOT NULL DEFAULT 1,
			created_at   TIMESTAMPTZ NOT NULL,
			last_attempt TIMESTAMPTZ,
			sent_at      TIMESTAMPTZ,
			error        TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

func (p *PostgresBackend) Save(ctx context.Context, records map[string]*models.EmailStatus) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `TRUNCATE email_statuses`); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(
			`INSERT INTO email_statuses
			 (task_id, recipient, subject, group_id, batch_id, status,
			  attempts, max_attempts, priority, created_at, last_attempt, sent_at, error)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			rec.TaskID, rec.Recipient, rec.Subject, rec.GroupID, rec.BatchID,
			string(rec.Status), rec.Attempts, rec.MaxAttempts, int(rec.Priority),
			rec.CreatedAt, rec.LastAttempt, rec.SentAt, rec.Error,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (p *PostgresBackend) Load(ctx context.Context) (map[string]*models.EmailStatus, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT task_id, recipient, subject, group_id, batch_id, status,
		        attempts, max_attempts, priority, created_at, last_attempt, sent_at, error
		 FROM email_statuses`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make(map[string]*models.EmailStatus)
	for rows.Next() {
		var (
			rec         models.EmailStatus
			statusStr   string
			priority    int
			lastAttempt *time.Time
			sentAt      *time.Time
		)
		err := rows.Scan(&rec.TaskID, &rec.Recipient, &rec.Subject, &rec.GroupID,
			&rec.BatchID, &statusStr, &rec.Attempts, &rec.MaxAttempts, &priority,
			&rec.CreatedAt, &lastAttempt, &sentAt, &rec.Error)
		if err != nil {
			return nil, err
		}
		rec.Status = models.Status(statusStr)
		rec.Priority = models.Priority(priority)
		rec.LastAttempt = lastAttempt
		rec.SentAt = sentAt
		records[rec.TaskID] = &rec
	}
	return records, rows.Err()
}
