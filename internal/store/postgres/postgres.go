package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"gudangku/backend/internal/batchno"
	"gudangku/backend/internal/domain"
	"gudangku/backend/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the ledger tables. Quantity invariants are also enforced at
// the schema level so no code path can commit a violating row.
func (s *Store) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS stock_lines (
			product_id        TEXT NOT NULL,
			batch_number      TEXT NOT NULL DEFAULT '',
			variant_id        TEXT NOT NULL DEFAULT '',
			quantity          BIGINT NOT NULL CHECK (quantity >= 0),
			reserved_quantity BIGINT NOT NULL DEFAULT 0 CHECK (reserved_quantity >= 0),
			unit_cost         NUMERIC(20,4),
			location          TEXT NOT NULL DEFAULT '',
			updated_at        TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (product_id, batch_number, variant_id),
			CHECK (quantity >= reserved_quantity)
		)`,
		`CREATE TABLE IF NOT EXISTS adjustment_records (
			adjustment_number TEXT PRIMARY KEY,
			product_id        TEXT NOT NULL,
			variant_id        TEXT NOT NULL DEFAULT '',
			batch_number      TEXT NOT NULL DEFAULT '',
			before_quantity   BIGINT NOT NULL,
			adjust_quantity   BIGINT NOT NULL,
			after_quantity    BIGINT NOT NULL,
			reason            TEXT NOT NULL,
			status            TEXT NOT NULL,
			notes             TEXT NOT NULL DEFAULT '',
			operator_id       TEXT NOT NULL,
			approver_id       TEXT NOT NULL,
			approved_at       TIMESTAMPTZ NOT NULL,
			created_at        TIMESTAMPTZ NOT NULL,
			CHECK (after_quantity = before_quantity + adjust_quantity)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_adjustment_records_product
			ON adjustment_records (product_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS inbound_records (
			record_number TEXT PRIMARY KEY,
			product_id    TEXT NOT NULL,
			variant_id    TEXT NOT NULL DEFAULT '',
			batch_number  TEXT NOT NULL,
			quantity      BIGINT NOT NULL CHECK (quantity > 0),
			unit_cost     NUMERIC(20,4),
			reason        TEXT NOT NULL,
			notes         TEXT NOT NULL DEFAULT '',
			operator_id   TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_inbound_records_product
			ON inbound_records (product_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS idempotency_entries (
			idempotency_key TEXT NOT NULL,
			scope           TEXT NOT NULL,
			actor_id        TEXT NOT NULL,
			fingerprint     TEXT NOT NULL,
			status          TEXT NOT NULL,
			result          BYTEA,
			created_at      TIMESTAMPTZ NOT NULL,
			expires_at      TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (idempotency_key, scope, actor_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_entries_expiry
			ON idempotency_entries (expires_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) GetStockLine(ctx context.Context, key domain.StockKey) (*domain.StockLine, error) {
	var line domain.StockLine
	err := s.db.QueryRowContext(ctx, `
		SELECT product_id, batch_number, variant_id, quantity, reserved_quantity, unit_cost, location, updated_at
		FROM stock_lines
		WHERE product_id = $1 AND batch_number = $2 AND variant_id = $3
	`, key.ProductID, key.BatchNumber, key.VariantID).Scan(
		&line.ProductID, &line.BatchNumber, &line.VariantID,
		&line.Quantity, &line.ReservedQuantity, &line.UnitCost, &line.Location, &line.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &line, nil
}

func (s *Store) ListStockLines(ctx context.Context, productID string, limit int) ([]domain.StockLine, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, batch_number, variant_id, quantity, reserved_quantity, unit_cost, location, updated_at
		FROM stock_lines
		WHERE ($1 = '' OR product_id = $1)
		ORDER BY product_id, batch_number, variant_id
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.StockLine, 0, 16)
	for rows.Next() {
		var line domain.StockLine
		if err := rows.Scan(&line.ProductID, &line.BatchNumber, &line.VariantID,
			&line.Quantity, &line.ReservedQuantity, &line.UnitCost, &line.Location, &line.UpdatedAt); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func (s *Store) ApplyAdjustment(ctx context.Context, in store.AdjustmentInput) (*domain.StockLine, *domain.AdjustmentRecord, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	line, exists, err := lockStockLine(ctx, tx, in.Key)
	if err != nil {
		return nil, nil, mapTxErr(err)
	}

	before := 0
	reserved := 0
	if exists {
		before = line.Quantity
		reserved = line.ReservedQuantity
	} else if in.Delta <= 0 {
		return nil, nil, store.ErrInvalidAdjustment
	}

	after := before + in.Delta
	if after < 0 {
		return nil, nil, store.ErrNegativeStock
	}
	if after < reserved {
		return nil, nil, store.ErrReservedConflict
	}

	if exists {
		_, err = tx.ExecContext(ctx, `
			UPDATE stock_lines
			SET quantity = $4, updated_at = $5
			WHERE product_id = $1 AND batch_number = $2 AND variant_id = $3
		`, in.Key.ProductID, in.Key.BatchNumber, in.Key.VariantID, after, now)
	} else {
		line = domain.StockLine{
			ProductID:   in.Key.ProductID,
			BatchNumber: in.Key.BatchNumber,
			VariantID:   in.Key.VariantID,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stock_lines (product_id, batch_number, variant_id, quantity, reserved_quantity, updated_at)
			VALUES ($1, $2, $3, $4, 0, $5)
		`, in.Key.ProductID, in.Key.BatchNumber, in.Key.VariantID, after, now)
	}
	if err != nil {
		return nil, nil, mapTxErr(err)
	}
	line.Quantity = after
	line.UpdatedAt = now

	number, err := nextRecordNumber(ctx, tx, "adjustment_records", "adjustment_number", "ADJ", now)
	if err != nil {
		return nil, nil, mapTxErr(err)
	}

	record := domain.AdjustmentRecord{
		AdjustmentNumber: number,
		ProductID:        in.Key.ProductID,
		VariantID:        in.Key.VariantID,
		BatchNumber:      in.Key.BatchNumber,
		BeforeQuantity:   before,
		AdjustQuantity:   in.Delta,
		AfterQuantity:    after,
		Reason:           in.Reason,
		Status:           domain.RecordStatusApproved,
		Notes:            in.Notes,
		OperatorID:       in.OperatorID,
		ApproverID:       in.OperatorID,
		ApprovedAt:       now,
		CreatedAt:        now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO adjustment_records (
			adjustment_number, product_id, variant_id, batch_number,
			before_quantity, adjust_quantity, after_quantity,
			reason, status, notes, operator_id, approver_id, approved_at, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, record.AdjustmentNumber, record.ProductID, record.VariantID, record.BatchNumber,
		record.BeforeQuantity, record.AdjustQuantity, record.AfterQuantity,
		record.Reason, record.Status, record.Notes, record.OperatorID, record.ApproverID,
		record.ApprovedAt, record.CreatedAt)
	if err != nil {
		return nil, nil, mapTxErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, mapTxErr(err)
	}
	return &line, &record, nil
}

func (s *Store) ApplyInbound(ctx context.Context, in store.InboundInput) (*domain.StockLine, *domain.InboundRecord, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	batch := in.Key.BatchNumber
	if batch == "" {
		batch, err = nextBatchNumber(ctx, tx, in.Key.ProductID, now)
		if err != nil {
			return nil, nil, mapTxErr(err)
		}
	}
	key := domain.StockKey{ProductID: in.Key.ProductID, BatchNumber: batch, VariantID: in.Key.VariantID}

	line, exists, err := lockStockLine(ctx, tx, key)
	if err != nil {
		return nil, nil, mapTxErr(err)
	}

	before := 0
	if exists {
		before = line.Quantity
	} else {
		line = domain.StockLine{ProductID: key.ProductID, BatchNumber: key.BatchNumber, VariantID: key.VariantID}
	}
	line.Quantity = before + in.Quantity
	if in.UnitCost.Valid {
		line.UnitCost = in.UnitCost
	}
	line.UpdatedAt = now

	if exists {
		_, err = tx.ExecContext(ctx, `
			UPDATE stock_lines
			SET quantity = $4, unit_cost = COALESCE($5, unit_cost), updated_at = $6
			WHERE product_id = $1 AND batch_number = $2 AND variant_id = $3
		`, key.ProductID, key.BatchNumber, key.VariantID, line.Quantity, in.UnitCost, now)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stock_lines (product_id, batch_number, variant_id, quantity, reserved_quantity, unit_cost, updated_at)
			VALUES ($1, $2, $3, $4, 0, $5, $6)
		`, key.ProductID, key.BatchNumber, key.VariantID, line.Quantity, in.UnitCost, now)
	}
	if err != nil {
		return nil, nil, mapTxErr(err)
	}

	number, err := nextRecordNumber(ctx, tx, "inbound_records", "record_number", "INB", now)
	if err != nil {
		return nil, nil, mapTxErr(err)
	}

	record := domain.InboundRecord{
		RecordNumber: number,
		ProductID:    key.ProductID,
		VariantID:    key.VariantID,
		BatchNumber:  batch,
		Quantity:     in.Quantity,
		UnitCost:     in.UnitCost,
		Reason:       in.Reason,
		Notes:        in.Notes,
		OperatorID:   in.OperatorID,
		CreatedAt:    now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO inbound_records (
			record_number, product_id, variant_id, batch_number,
			quantity, unit_cost, reason, notes, operator_id, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, record.RecordNumber, record.ProductID, record.VariantID, record.BatchNumber,
		record.Quantity, record.UnitCost, record.Reason, record.Notes, record.OperatorID, record.CreatedAt)
	if err != nil {
		return nil, nil, mapTxErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, mapTxErr(err)
	}
	return &line, &record, nil
}

// lockStockLine reads the stock line with FOR UPDATE so two concurrent
// mutations of the same key cannot both compute from the same snapshot, even
// if the store were ever run below serializable isolation.
func lockStockLine(ctx context.Context, tx *sql.Tx, key domain.StockKey) (domain.StockLine, bool, error) {
	var line domain.StockLine
	err := tx.QueryRowContext(ctx, `
		SELECT product_id, batch_number, variant_id, quantity, reserved_quantity, unit_cost, location, updated_at
		FROM stock_lines
		WHERE product_id = $1 AND batch_number = $2 AND variant_id = $3
		FOR UPDATE
	`, key.ProductID, key.BatchNumber, key.VariantID).Scan(
		&line.ProductID, &line.BatchNumber, &line.VariantID,
		&line.Quantity, &line.ReservedQuantity, &line.UnitCost, &line.Location, &line.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockLine{}, false, nil
	}
	if err != nil {
		return domain.StockLine{}, false, err
	}
	return line, true, nil
}

// nextRecordNumber assigns the next daily sequence for a record table by
// counting inside the open transaction. A lost race surfaces as a unique
// violation or serialization failure on insert/commit, which mapTxErr turns
// into ErrSerialization so the whole operation is retried with a fresh count.
func nextRecordNumber(ctx context.Context, tx *sql.Tx, table, column, kind string, now time.Time) (string, error) {
	prefix := batchno.RecordPrefix(kind, now)
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s LIKE $1`, table, column)
	if err := tx.QueryRowContext(ctx, query, likePattern(prefix)).Scan(&count); err != nil {
		return "", err
	}
	if kind == "INB" {
		return batchno.InboundNumber(now, count+1), nil
	}
	return batchno.AdjustmentNumber(now, count+1), nil
}

func nextBatchNumber(ctx context.Context, tx *sql.Tx, productID string, now time.Time) (string, error) {
	prefix := batchno.Prefix(productID, now)
	var count int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM stock_lines
		WHERE product_id = $1 AND batch_number LIKE $2
	`, productID, likePattern(prefix)).Scan(&count)
	if err != nil {
		return "", err
	}
	return batchno.Format(productID, now, count+1), nil
}

// likePattern escapes LIKE metacharacters in a literal prefix and appends the
// wildcard. Product codes with underscores must not widen the match.
func likePattern(prefix string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	return escaped + "%"
}

func (s *Store) GetAdjustment(ctx context.Context, adjustmentNumber string) (*domain.AdjustmentRecord, error) {
	var rec domain.AdjustmentRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT adjustment_number, product_id, variant_id, batch_number,
			before_quantity, adjust_quantity, after_quantity,
			reason, status, notes, operator_id, approver_id, approved_at, created_at
		FROM adjustment_records
		WHERE adjustment_number = $1
	`, adjustmentNumber).Scan(
		&rec.AdjustmentNumber, &rec.ProductID, &rec.VariantID, &rec.BatchNumber,
		&rec.BeforeQuantity, &rec.AdjustQuantity, &rec.AfterQuantity,
		&rec.Reason, &rec.Status, &rec.Notes, &rec.OperatorID, &rec.ApproverID,
		&rec.ApprovedAt, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ListAdjustments(ctx context.Context, productID string, limit int) ([]domain.AdjustmentRecord, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT adjustment_number, product_id, variant_id, batch_number,
			before_quantity, adjust_quantity, after_quantity,
			reason, status, notes, operator_id, approver_id, approved_at, created_at
		FROM adjustment_records
		WHERE ($1 = '' OR product_id = $1)
		ORDER BY created_at DESC, adjustment_number DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.AdjustmentRecord, 0, limit)
	for rows.Next() {
		var rec domain.AdjustmentRecord
		if err := rows.Scan(
			&rec.AdjustmentNumber, &rec.ProductID, &rec.VariantID, &rec.BatchNumber,
			&rec.BeforeQuantity, &rec.AdjustQuantity, &rec.AfterQuantity,
			&rec.Reason, &rec.Status, &rec.Notes, &rec.OperatorID, &rec.ApproverID,
			&rec.ApprovedAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) ListInbounds(ctx context.Context, productID string, limit int) ([]domain.InboundRecord, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_number, product_id, variant_id, batch_number,
			quantity, unit_cost, reason, notes, operator_id, created_at
		FROM inbound_records
		WHERE ($1 = '' OR product_id = $1)
		ORDER BY created_at DESC, record_number DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.InboundRecord, 0, limit)
	for rows.Next() {
		var rec domain.InboundRecord
		if err := rows.Scan(
			&rec.RecordNumber, &rec.ProductID, &rec.VariantID, &rec.BatchNumber,
			&rec.Quantity, &rec.UnitCost, &rec.Reason, &rec.Notes, &rec.OperatorID,
			&rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) InsertEntry(ctx context.Context, entry domain.IdempotencyEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_entries (idempotency_key, scope, actor_id, fingerprint, status, result, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.Key, entry.Scope, entry.ActorID, entry.Fingerprint, entry.Status,
		entry.Result, entry.CreatedAt, entry.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateEntry
		}
		return err
	}
	return nil
}

func (s *Store) FindEntry(ctx context.Context, key, scope, actorID string) (*domain.IdempotencyEntry, error) {
	var entry domain.IdempotencyEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT idempotency_key, scope, actor_id, fingerprint, status, result, created_at, expires_at
		FROM idempotency_entries
		WHERE idempotency_key = $1 AND scope = $2 AND actor_id = $3
	`, key, scope, actorID).Scan(
		&entry.Key, &entry.Scope, &entry.ActorID, &entry.Fingerprint,
		&entry.Status, &entry.Result, &entry.CreatedAt, &entry.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (s *Store) CompleteEntry(ctx context.Context, key, scope, actorID string, result []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_entries
		SET status = $4, result = $5
		WHERE idempotency_key = $1 AND scope = $2 AND actor_id = $3
	`, key, scope, actorID, domain.IdemStatusCompleted, result)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteEntry(ctx context.Context, key, scope, actorID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_entries
		WHERE idempotency_key = $1 AND scope = $2 AND actor_id = $3
	`, key, scope, actorID)
	return err
}

func (s *Store) PurgeExpiredEntries(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_entries WHERE expires_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// mapTxErr folds retryable conflicts into store.ErrSerialization. Unique
// violations on generated numbers are retryable the same way: the retry
// recounts and produces a fresh sequence.
func mapTxErr(err error) error {
	if isSerializationFailure(err) || isUniqueViolation(err) {
		return store.ErrSerialization
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}
