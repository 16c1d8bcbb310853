// Package provenance records calculations in a local SQLite database and
// resolves the calculation that produced a remote folder.
package provenance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/gomobility/pkg/remote"
)

const schemaVersion = 1

// ErrNotFound indicates the requested calculation is not recorded.
var ErrNotFound = errors.New("calculation not found")

type Config struct {
	// Path is a local filesystem path to the database, or ":memory:".
	Path string
}

// Store is a SQLite-backed calculation store. It implements remote.Resolver.
type Store struct {
	db *sql.DB
}

var _ remote.Resolver = (*Store)(nil)

// Open opens (and creates if needed) the provenance database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	db, err := openDB(ctx, cfg.Path)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS provenance_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO provenance_meta (id, schema_version, created_at) VALUES (1, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS calculations (
			id TEXT PRIMARY KEY,
			program TEXT NOT NULL,
			computer TEXT NOT NULL,
			folder_path TEXT NOT NULL,
			exit_status INTEGER NOT NULL,
			exit_message TEXT,
			inputs_json TEXT,
			outputs_json TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_calculations_folder ON calculations(computer, folder_path);`,
		`CREATE INDEX IF NOT EXISTS idx_calculations_program ON calculations(program);`,
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, stmt := range stmts {
		if i == 1 {
			if _, err := s.db.ExecContext(ctx, stmt, schemaVersion, now); err != nil {
				return fmt.Errorf("init schema meta: %w", err)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Record inserts or replaces a calculation.
func (s *Store) Record(ctx context.Context, c *remote.Calculation) error {
	if c == nil || c.ID == "" {
		return errors.New("calculation id is required")
	}
	inputs, err := marshalMap(c.Inputs)
	if err != nil {
		return fmt.Errorf("encode inputs: %w", err)
	}
	outputs, err := marshalMap(c.Outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calculations (
			id, program, computer, folder_path, exit_status, exit_message, inputs_json, outputs_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			program=excluded.program,
			computer=excluded.computer,
			folder_path=excluded.folder_path,
			exit_status=excluded.exit_status,
			exit_message=excluded.exit_message,
			inputs_json=excluded.inputs_json,
			outputs_json=excluded.outputs_json
	`,
		c.ID, c.Program, c.Folder.Computer, c.Folder.Path, c.ExitStatus, c.ExitMessage, inputs, outputs,
		created.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record calculation %s: %w", c.ID, err)
	}
	return nil
}

// Get returns the calculation with the given id.
func (s *Store) Get(ctx context.Context, id string) (*remote.Calculation, error) {
	row := s.db.QueryRowContext(ctx, selectCalculation+` WHERE id = ?`, id)
	c, err := scanCalculation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return c, nil
}

// Producer implements remote.Resolver.
func (s *Store) Producer(ctx context.Context, f remote.Folder) (*remote.Calculation, error) {
	rows, err := s.db.QueryContext(ctx, selectCalculation+` WHERE computer = ? AND folder_path = ? ORDER BY created_at`, f.Computer, f.Path)
	if err != nil {
		return nil, fmt.Errorf("query producer: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var found []*remote.Calculation
	for rows.Next() {
		c, err := scanCalculation(rows)
		if err != nil {
			return nil, err
		}
		found = append(found, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := remote.LookupFailed(f, len(found)); err != nil {
		return nil, err
	}
	return found[0], nil
}

// ListOptions filters List.
type ListOptions struct {
	// Program restricts results to one program identifier.
	Program string

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// List returns recorded calculations, newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*remote.Calculation, error) {
	query := selectCalculation
	var args []any
	if opts.Program != "" {
		query += ` WHERE program = ?`
		args = append(args, opts.Program)
	}
	query += ` ORDER BY created_at DESC, id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list calculations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*remote.Calculation
	for rows.Next() {
		c, err := scanCalculation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const selectCalculation = `SELECT id, program, computer, folder_path, exit_status, exit_message, inputs_json, outputs_json, created_at FROM calculations`

type scanner interface {
	Scan(dest ...any) error
}

func scanCalculation(row scanner) (*remote.Calculation, error) {
	var (
		c                     remote.Calculation
		message, inputs, outs sql.NullString
		createdAt             string
	)
	if err := row.Scan(&c.ID, &c.Program, &c.Folder.Computer, &c.Folder.Path, &c.ExitStatus, &message, &inputs, &outs, &createdAt); err != nil {
		return nil, err
	}
	c.Computer = c.Folder.Computer
	c.ExitMessage = message.String

	var err error
	if c.Inputs, err = unmarshalMap(inputs); err != nil {
		return nil, fmt.Errorf("decode inputs of %s: %w", c.ID, err)
	}
	if c.Outputs, err = unmarshalMap(outs); err != nil {
		return nil, fmt.Errorf("decode outputs of %s: %w", c.ID, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		c.CreatedAt = t
	}
	return &c, nil
}

func marshalMap(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	// numbers stay json.Number so integral namelist values render as integers
	dec := json.NewDecoder(strings.NewReader(s.String))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}
