package blob

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on staged_blocks.name
const currentSchemaVersion = 1

// SQLiteBlob is a BlockBlob stored in a single SQLite database file.
type SQLiteBlob struct {
	db  *sql.DB
	now func() time.Time
}

var _ BlockBlob = (*SQLiteBlob)(nil)

// Option configures a SQLiteBlob.
type Option func(*SQLiteBlob)

// WithClock overrides the wall clock used for lease expiry.
func WithClock(now func() time.Time) Option {
	return func(b *SQLiteBlob) {
		b.now = now
	}
}

// Open creates or opens the SQLite file at path.
// Opening never creates the blob itself; see Create.
func Open(path string, opts ...Option) (*SQLiteBlob, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to blob database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	b := &SQLiteBlob{db: db, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Close closes the database connection.
func (b *SQLiteBlob) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Exists reports whether Create has been called on this blob.
func (b *SQLiteBlob) Exists(ctx context.Context) (bool, error) {
	var count int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blob_meta`).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("blob exists: %w", err)
	}
	return count > 0, nil
}

// Create creates the blob with an empty committed list.
// Creating an existing blob is a no-op.
func (b *SQLiteBlob) Create(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO blob_meta (id, created_at) VALUES (1, ?)
		ON CONFLICT(id) DO NOTHING
	`, b.now().UnixNano())
	if err != nil {
		return fmt.Errorf("create blob: %w", err)
	}
	return nil
}

// StageBlock writes uncommitted content under name.
// Several stagings of the same name coexist; each gets its own stage ID.
func (b *SQLiteBlob) StageBlock(ctx context.Context, name string, data []byte) (StagedBlock, error) {
	if err := b.requireExists(ctx); err != nil {
		return StagedBlock{}, fmt.Errorf("stage block %s: %w", name, err)
	}

	stageID := uuid.Must(uuid.NewV7()).String()
	if data == nil {
		data = []byte{}
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO staged_blocks (stage_id, name, data, staged_at)
		VALUES (?, ?, ?, ?)
	`, stageID, name, data, b.now().UnixNano())
	if err != nil {
		return StagedBlock{}, fmt.Errorf("stage block %s: %w", name, err)
	}
	return StagedBlock{Name: name, StageID: stageID}, nil
}

// CommitBlockList atomically replaces the committed list with refs.
// Names not listed are dropped; staged content referenced by refs is
// consumed.
func (b *SQLiteBlob) CommitBlockList(ctx context.Context, refs []BlockRef) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit block list: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM blob_meta`).Scan(&count); err != nil {
		return fmt.Errorf("commit block list: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("commit block list: %w", ErrNotFound)
	}

	committed, err := committedNames(ctx, tx)
	if err != nil {
		return fmt.Errorf("commit block list: %w", err)
	}

	listed := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if listed[ref.Name] {
			return fmt.Errorf("commit block list: %s: %w", ref.Name, ErrDuplicateName)
		}
		listed[ref.Name] = true
		if ref.StageID == "" && !committed[ref.Name] {
			return fmt.Errorf("commit block list: %s: %w", ref.Name, ErrUnknownBlock)
		}
	}

	for name := range committed {
		if listed[name] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM committed_blocks WHERE name = ?`, name); err != nil {
			return fmt.Errorf("commit block list: drop %s: %w", name, err)
		}
	}

	for position, ref := range refs {
		if ref.StageID == "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE committed_blocks SET position = ? WHERE name = ?
			`, position, ref.Name); err != nil {
				return fmt.Errorf("commit block list: keep %s: %w", ref.Name, err)
			}
			continue
		}

		var data []byte
		err := tx.QueryRowContext(ctx, `
			SELECT data FROM staged_blocks WHERE stage_id = ? AND name = ?
		`, ref.StageID, ref.Name).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("commit block list: %s: %w", ref.Name, ErrUnknownStage)
		}
		if err != nil {
			return fmt.Errorf("commit block list: read staged %s: %w", ref.Name, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO committed_blocks (name, position, data) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET position = excluded.position, data = excluded.data
		`, ref.Name, position, data); err != nil {
			return fmt.Errorf("commit block list: write %s: %w", ref.Name, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM staged_blocks WHERE stage_id = ?`, ref.StageID); err != nil {
			return fmt.Errorf("commit block list: consume %s: %w", ref.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit block list: commit: %w", err)
	}
	return nil
}

// CommittedBlocks returns the committed list with content, in list order.
func (b *SQLiteBlob) CommittedBlocks(ctx context.Context) ([]Block, error) {
	if err := b.requireExists(ctx); err != nil {
		return nil, fmt.Errorf("committed blocks: %w", err)
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT name, data FROM committed_blocks
		ORDER BY position ASC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("committed blocks: %w", err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		var blk Block
		if err := rows.Scan(&blk.Name, &blk.Data); err != nil {
			return nil, fmt.Errorf("committed blocks: scan: %w", err)
		}
		blocks = append(blocks, blk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("committed blocks: iterate: %w", err)
	}
	return blocks, nil
}

// PurgeStaged removes every staged block and returns how many were dropped.
// Only safe while holding the lease.
func (b *SQLiteBlob) PurgeStaged(ctx context.Context) (int, error) {
	result, err := b.db.ExecContext(ctx, `DELETE FROM staged_blocks`)
	if err != nil {
		return 0, fmt.Errorf("purge staged: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge staged: rows affected: %w", err)
	}
	return int(n), nil
}

func (b *SQLiteBlob) requireExists(ctx context.Context) error {
	ok, err := b.Exists(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func committedNames(ctx context.Context, tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT name FROM committed_blocks`)
	if err != nil {
		return nil, fmt.Errorf("list committed: %w", err)
	}
	defer rows.Close()

	names := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list committed: scan: %w", err)
		}
		names[name] = true
	}
	return names, rows.Err()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 indexes staged blocks by name so commit lookups stay cheap
// when many orphans accumulate.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_staged_blocks_name
		ON staged_blocks(name)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}
