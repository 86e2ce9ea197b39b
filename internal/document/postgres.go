package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*PostgresStore)(nil)

// pgCheckViolation likes >= 0 約束違反
const pgCheckViolation = "23514"

// PostgresStore 以 PostgreSQL 保存文件
//
// CompareAndSet 在單一交易內以 SELECT ... FOR UPDATE 鎖住該列，
// 版本比對與 UPDATE 之間不會有其他寫入者插入。
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore 建立 PostgreSQL 儲存，schema 由 migrations 套件建立，連線池由呼叫端關閉
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logger,
	}
}

// Get 讀取文件
func (s *PostgresStore) Get(ctx context.Context, path string) (Snapshot, error) {
	if err := ValidatePath(path); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Path: path, Exists: true}
	err := s.pool.QueryRow(ctx,
		`SELECT likes, version, updated_at FROM documents WHERE path = $1`,
		path,
	).Scan(&snap.Likes, &snap.Version, &snap.UpdateTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return Missing(path), nil
	}
	if err != nil {
		s.logger.Error("postgres get document failed", "path", path, "error", err)
		return Snapshot{}, fmt.Errorf("get document: %w", err)
	}

	return snap, nil
}

// InitializeIfMissing 以 ON CONFLICT DO NOTHING 保證冪等
func (s *PostgresStore) InitializeIfMissing(ctx context.Context, path string) (Snapshot, bool, error) {
	if err := ValidatePath(path); err != nil {
		return Snapshot{}, false, err
	}

	snap := Snapshot{Path: path, Exists: true}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO documents (path, likes, version)
		 VALUES ($1, 0, 1)
		 ON CONFLICT (path) DO NOTHING
		 RETURNING likes, version, updated_at`,
		path,
	).Scan(&snap.Likes, &snap.Version, &snap.UpdateTime)
	if errors.Is(err, pgx.ErrNoRows) {
		// 文件已存在
		existing, getErr := s.Get(ctx, path)
		return existing, false, getErr
	}
	if err != nil {
		s.logger.Error("postgres initialize document failed", "path", path, "error", err)
		return Snapshot{}, false, fmt.Errorf("initialize document: %w", err)
	}

	return snap, true, nil
}

// CompareAndSet 交易內鎖列、比對版本、寫入
func (s *PostgresStore) CompareAndSet(ctx context.Context, path string, expectedVersion, likes int64) (Snapshot, error) {
	if err := checkWrite(path, expectedVersion, likes); err != nil {
		return Snapshot{}, err
	}

	var next Snapshot
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var current int64
		err := tx.QueryRow(ctx,
			`SELECT version FROM documents WHERE path = $1 FOR UPDATE`,
			path,
		).Scan(&current)

		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if expectedVersion != 0 {
				return ErrConflict
			}
			return s.insert(ctx, tx, path, likes, &next)
		case err != nil:
			return fmt.Errorf("lock document: %w", err)
		}

		if current != expectedVersion {
			return ErrConflict
		}

		next = Snapshot{Path: path, Exists: true}
		return tx.QueryRow(ctx,
			`UPDATE documents
			 SET likes = $2, version = version + 1, updated_at = NOW()
			 WHERE path = $1
			 RETURNING likes, version, updated_at`,
			path, likes,
		).Scan(&next.Likes, &next.Version, &next.UpdateTime)
	})
	if err != nil {
		return Snapshot{}, s.translate(path, err)
	}

	return next, nil
}

// insert 建立尚不存在的文件；同時有其他交易搶先建立時視為衝突
func (s *PostgresStore) insert(ctx context.Context, tx pgx.Tx, path string, likes int64, next *Snapshot) error {
	*next = Snapshot{Path: path, Exists: true}
	err := tx.QueryRow(ctx,
		`INSERT INTO documents (path, likes, version)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (path) DO NOTHING
		 RETURNING likes, version, updated_at`,
		path, likes,
	).Scan(&next.Likes, &next.Version, &next.UpdateTime)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrConflict
	}
	return err
}

func (s *PostgresStore) translate(path string, err error) error {
	if errors.Is(err, ErrConflict) {
		return ErrConflict
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation {
		return ErrNegativeValue
	}

	s.logger.Error("postgres compare-and-set failed", "path", path, "error", err)
	return fmt.Errorf("compare and set: %w", err)
}

// Ping 檢查連線
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}
