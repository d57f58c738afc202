package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"market-data-collector/internal/logger"
	"market-data-collector/internal/telemetry"
)

// Entity maps one record type onto its table.
type Entity[T any] struct {
	Name      string
	Table     string
	KeyColumn string
	// Columns lists every inserted column, key column included, in Values order.
	Columns []string
	// UpdateColumns are refreshed when a record with an existing key is stored again.
	// Leave empty for immutable records.
	UpdateColumns []string
	Key           func(T) string
	Values        func(T) []any
	Validate      func(T) error
}

// Adapter stores batches of one entity with lock-avoiding writes.
type Adapter[T any] struct {
	db     *DB
	entity Entity[T]
	log    logger.Logger

	insertSQL string
	upsertSQL string
	updateSQL string
	existsSQL string
	countSQL  string
}

// NewAdapter binds an entity to the database.
func NewAdapter[T any](db *DB, entity Entity[T]) *Adapter[T] {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(entity.Columns)), ", ")
	cols := strings.Join(entity.Columns, ", ")

	a := &Adapter[T]{
		db:     db,
		entity: entity,
		log:    db.log.With(logger.String("entity", entity.Name)),
		insertSQL: fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO NOTHING",
			entity.Table, cols, placeholders, entity.KeyColumn),
		existsSQL: fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (?)", entity.KeyColumn, entity.Table, entity.KeyColumn),
		countSQL:  fmt.Sprintf("SELECT COUNT(*) FROM %s", entity.Table),
	}

	a.upsertSQL = a.insertSQL
	if len(entity.UpdateColumns) > 0 {
		sets := make([]string, len(entity.UpdateColumns))
		assigns := make([]string, len(entity.UpdateColumns))
		for i, c := range entity.UpdateColumns {
			sets[i] = fmt.Sprintf("%s = excluded.%s", c, c)
			assigns[i] = c + " = ?"
		}
		a.upsertSQL = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
			entity.Table, cols, placeholders, entity.KeyColumn, strings.Join(sets, ", "))
		a.updateSQL = fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
			entity.Table, strings.Join(assigns, ", "), entity.KeyColumn)
	}
	return a
}

// StoreBatch validates, pre-filters and stores records, returning how many new rows were inserted.
// Records whose key already exists are updated (for mutable entities) but not counted.
func (a *Adapter[T]) StoreBatch(ctx context.Context, records []T) (int, error) {
	valid := a.validate(records)
	if len(valid) == 0 {
		return 0, nil
	}

	keys := make([]string, len(valid))
	for i, rec := range valid {
		keys[i] = a.entity.Key(rec)
	}
	existing, err := a.ExistingKeys(ctx, keys)
	if err != nil {
		return 0, fmt.Errorf("pre-filter %s: %w", a.entity.Name, err)
	}

	fresh := make([]T, 0, len(valid))
	stale := make([]T, 0, len(existing))
	for _, rec := range valid {
		if existing[a.entity.Key(rec)] {
			stale = append(stale, rec)
		} else {
			fresh = append(fresh, rec)
		}
	}

	stored, err := a.insert(ctx, fresh)
	if err != nil {
		return stored, fmt.Errorf("insert %s: %w", a.entity.Name, err)
	}
	telemetry.RecordsStored.WithLabelValues(a.entity.Name).Add(float64(stored))

	if len(stale) > 0 && a.updateSQL != "" {
		if err := a.update(ctx, stale); err != nil {
			return stored, fmt.Errorf("update %s: %w", a.entity.Name, err)
		}
	}

	a.log.Debug("stored batch",
		logger.Int("received", len(records)),
		logger.Int("inserted", stored),
		logger.Int("existing", len(stale)))
	return stored, nil
}

// validate drops invalid records and collapses duplicate keys, keeping the last occurrence.
func (a *Adapter[T]) validate(records []T) []T {
	index := make(map[string]int, len(records))
	out := make([]T, 0, len(records))
	for _, rec := range records {
		if a.entity.Validate != nil {
			if err := a.entity.Validate(rec); err != nil {
				telemetry.RecordsRejected.WithLabelValues(a.entity.Name).Inc()
				a.log.Warn("dropping invalid record", logger.Error(err))
				continue
			}
		}
		key := a.entity.Key(rec)
		if i, dup := index[key]; dup {
			out[i] = rec
			continue
		}
		index[key] = len(out)
		out = append(out, rec)
	}
	return out
}

// ExistingKeys returns the subset of keys already stored, querying in chunks on the read pool.
func (a *Adapter[T]) ExistingKeys(ctx context.Context, keys []string) (map[string]bool, error) {
	found := make(map[string]bool, len(keys))
	for start := 0; start < len(keys); start += a.db.cfg.ChunkSize {
		end := start + a.db.cfg.ChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		err := a.db.readSession(ctx, func(ctx context.Context, q sqlx.QueryerContext) error {
			query, args, err := sqlx.In(a.existsSQL, chunk)
			if err != nil {
				return fmt.Errorf("expand key query: %w", err)
			}
			var present []string
			if err := sqlx.SelectContext(ctx, q, &present, a.db.reader.Rebind(query), args...); err != nil {
				return fmt.Errorf("select existing keys: %w", err)
			}
			for _, k := range present {
				found[k] = true
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return found, nil
}

// Count returns the number of stored rows.
func (a *Adapter[T]) Count(ctx context.Context) (int, error) {
	var n int
	err := a.db.readSession(ctx, func(ctx context.Context, q sqlx.QueryerContext) error {
		return sqlx.GetContext(ctx, q, &n, a.countSQL)
	})
	return n, err
}

func (a *Adapter[T]) insert(ctx context.Context, records []T) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	var inserted int
	err := a.db.writeSession(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		inserted = 0
		stmt, err := tx.PreparexContext(ctx, a.insertSQL)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()
		for _, rec := range records {
			res, err := stmt.ExecContext(ctx, a.entity.Values(rec)...)
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err == nil {
				inserted += int(n)
			}
		}
		return nil
	})
	if errors.Is(err, ErrIntegrityViolation) {
		// Another unique index collided: redo row by row so only the colliding rows are affected.
		a.log.Warn("bulk insert collided, falling back to per-record upsert",
			logger.Int("records", len(records)), logger.Error(err))
		return a.upsertEach(ctx, records)
	}
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (a *Adapter[T]) upsertEach(ctx context.Context, records []T) (int, error) {
	existsOne := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", a.entity.Table, a.entity.KeyColumn)
	stored := 0
	for _, rec := range records {
		key := a.entity.Key(rec)
		var isNew bool
		err := a.db.writeSession(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
			var n int
			if err := tx.GetContext(ctx, &n, existsOne, key); err != nil {
				return fmt.Errorf("check key: %w", err)
			}
			if _, err := tx.ExecContext(ctx, a.upsertSQL, a.entity.Values(rec)...); err != nil {
				return err
			}
			isNew = n == 0
			return nil
		})
		if errors.Is(err, ErrIntegrityViolation) {
			a.log.Warn("skipping record that collides on a secondary key", logger.String("key", key), logger.Error(err))
			continue
		}
		if err != nil {
			return stored, err
		}
		if isNew {
			stored++
		}
	}
	return stored, nil
}

func (a *Adapter[T]) update(ctx context.Context, records []T) error {
	positions := make(map[string]int, len(a.entity.Columns))
	for i, c := range a.entity.Columns {
		positions[c] = i
	}
	return a.db.writeSession(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, a.updateSQL)
		if err != nil {
			return fmt.Errorf("prepare update: %w", err)
		}
		defer stmt.Close()
		for _, rec := range records {
			values := a.entity.Values(rec)
			args := make([]any, 0, len(a.entity.UpdateColumns)+1)
			for _, c := range a.entity.UpdateColumns {
				args = append(args, values[positions[c]])
			}
			args = append(args, a.entity.Key(rec))
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return err
			}
		}
		return nil
	})
}
