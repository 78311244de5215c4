package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oceangrid/dirsync/internal/models"
	"github.com/oceangrid/dirsync/internal/pgerror"
)

const entriesTable = "directory_entries"

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

type Repository struct {
	db *pgxpool.Pool
}

func NewRepo(ctx context.Context, user, password, addr string, port uint16) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(
		fmt.Sprintf(
			"user=%s password=%s host=%s port=%d dbname=directory sslmode=disable pool_max_conns=15",
			user, password, addr, port,
		),
	)
	if cfg == nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	err = pool.Ping(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &Repository{db: pool}, nil
}

func (r *Repository) Get(ctx context.Context, key models.CapabilityKey) (*models.DirectoryEntry, error) {
	sql, args, err := entrySelect().
		Where(keyEq(key)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build entry select: %w", err)
	}
	row := r.db.QueryRow(ctx, sql, args...)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("directory entry %+v: %w", key, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get directory entry: %w", err)
	}
	return entry, nil
}

func (r *Repository) ListByNode(ctx context.Context, nodeID models.NodeID) ([]models.DirectoryEntry, error) {
	sql, args, err := entrySelect().
		Where(squirrel.Eq{"node_id": string(nodeID)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build node entries select: %w", err)
	}
	return r.queryEntries(ctx, sql, args...)
}

func (r *Repository) List(ctx context.Context) ([]models.DirectoryEntry, error) {
	sql, args, err := entrySelect().ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build entries select: %w", err)
	}
	return r.queryEntries(ctx, sql, args...)
}

func (r *Repository) Upsert(ctx context.Context, entry models.DirectoryEntry) error {
	sql := `
	insert into directory_entries (node_id, product_type, service_type,
	fingerprint, last_synced_at, expires_at, source_task_id, missed_passes)
	values ($1, $2, $3, $4, $5, $6, $7, $8)
	on conflict (node_id, product_type, service_type) do update set
		fingerprint = excluded.fingerprint,
		last_synced_at = excluded.last_synced_at,
		expires_at = excluded.expires_at,
		source_task_id = excluded.source_task_id,
		missed_passes = excluded.missed_passes;
	`
	_, err := r.db.Exec(ctx, sql,
		entry.Key.NodeID,
		entry.Key.ProductType,
		entry.Key.ServiceType,
		entry.Fingerprint,
		entry.LastSyncedAt,
		entry.ExpiresAt,
		entry.SourceTaskID,
		entry.MissedPasses,
	)
	if err != nil {
		constraint, ok := pgerror.GetConstraintName(err)
		if ok {
			return fmt.Errorf("failed to upsert directory entry: constraint %s violated: %w", constraint, err)
		}
		return fmt.Errorf("failed to upsert directory entry: %w", err)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, key models.CapabilityKey) error {
	sql, args, err := psql.Delete(entriesTable).
		Where(keyEq(key)).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build entry delete: %w", err)
	}
	_, err = r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to delete directory entry: %w", err)
	}
	return nil
}

func (r *Repository) Count(ctx context.Context) (int, error) {
	return r.count(ctx, psql.Select("count(*)").From(entriesTable))
}

func (r *Repository) CountStale(ctx context.Context, now time.Time) (int, error) {
	return r.count(ctx, psql.Select("count(*)").
		From(entriesTable).
		Where(squirrel.Lt{"expires_at": now}))
}

func (r *Repository) count(ctx context.Context, builder squirrel.SelectBuilder) (int, error) {
	sql, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build count select: %w", err)
	}
	count := 0
	err = r.db.QueryRow(ctx, sql, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count directory entries: %w", err)
	}
	return count, nil
}

func (r *Repository) queryEntries(ctx context.Context, sql string, args ...any) ([]models.DirectoryEntry, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query directory entries: %w", err)
	}
	defer rows.Close()

	out := make([]models.DirectoryEntry, 0, 16)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan directory entry: %w", err)
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

func entrySelect() squirrel.SelectBuilder {
	return psql.Select(
		"node_id", "product_type", "service_type",
		"fingerprint", "last_synced_at", "expires_at",
		"source_task_id", "missed_passes",
	).From(entriesTable)
}

func keyEq(key models.CapabilityKey) squirrel.Eq {
	return squirrel.Eq{
		"node_id":      string(key.NodeID),
		"product_type": string(key.ProductType),
		"service_type": string(key.ServiceType),
	}
}

func scanEntry(row pgx.Row) (*models.DirectoryEntry, error) {
	var e models.DirectoryEntry
	err := row.Scan(
		&e.Key.NodeID,
		&e.Key.ProductType,
		&e.Key.ServiceType,
		&e.Fingerprint,
		&e.LastSyncedAt,
		&e.ExpiresAt,
		&e.SourceTaskID,
		&e.MissedPasses,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
