package repository

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/guido-cesarano/taskorch/pkg/tasks"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationTableName = "task_schema_migrations"

const uniqueViolation = "23505"

// Postgres stores records in the "task" table. Arguments are kept in a json (not
// jsonb) column so their key order survives.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects with the pgx driver and applies pending migrations.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgres(db), nil
}

// NewPostgres wraps a migrated database.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate applies the embedded goose migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetTableName(migrationTableName)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

const taskColumns = `id, name, state, progress, args, result, error, created_at, completed_at, retries_left`

func (p *Postgres) Insert(ctx context.Context, task *tasks.Task, group tasks.Group) error {
	row, err := newPgRow(task)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO task (id, name, state, user_id, group_id, progress, args, result, error, created_at, completed_at, retries_left)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		task.ID, task.Name, row.state, nullString(task.User()), nullString(string(group)), task.Progress,
		row.args, row.result, row.err, task.CreatedAt, row.completedAt, task.RetriesLeft,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("insert %s: %w", task.ID, tasks.ErrTaskAlreadyExists)
		}
		return fmt.Errorf("insert %s: %w", task.ID, err)
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, task *tasks.Task) error {
	row, err := newPgRow(task)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE task
		SET state = $1, progress = $2, result = $3, error = $4, completed_at = $5, retries_left = $6
		WHERE id = $7`,
		row.state, task.Progress, row.result, row.err, row.completedAt, task.RetriesLeft, task.ID,
	)
	if err != nil {
		return fmt.Errorf("update %s: %w", task.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", task.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update %s: %w", task.ID, tasks.ErrUnknownTask)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*tasks.Task, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", id, tasks.ErrUnknownTask)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return t, nil
}

func (p *Postgres) Group(ctx context.Context, id string) (tasks.Group, error) {
	var g sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT group_id FROM task WHERE id = $1`, id).Scan(&g)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("group of %s: %w", id, tasks.ErrUnknownTask)
	}
	if err != nil {
		return "", fmt.Errorf("group of %s: %w", id, err)
	}
	return tasks.Group(g.String), nil
}

func (p *Postgres) Delete(ctx context.Context, id string) (*tasks.Task, error) {
	row := p.db.QueryRowContext(ctx, `DELETE FROM task WHERE id = $1 RETURNING `+taskColumns, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delete %s: %w", id, tasks.ErrUnknownTask)
	}
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", id, err)
	}
	return t, nil
}

// List filters states and users in SQL. Name and argument patterns use Go regular
// expressions and are applied to the rows.
func (p *Postgres) List(ctx context.Context, filters tasks.Filters) iter.Seq2[*tasks.Task, error] {
	matcher, err := filters.Matcher()
	if err != nil {
		return failed(err)
	}
	query, args := listQuery(filters)
	return func(yield func(*tasks.Task, error) bool) {
		rows, err := p.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("list tasks: %w", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				if !yield(nil, fmt.Errorf("list tasks: %w", err)) {
					return
				}
				continue
			}
			if matcher.Match(t) && !yield(t, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("list tasks: %w", err))
		}
	}
}

func listQuery(filters tasks.Filters) (string, []any) {
	var (
		where []string
		args  []any
	)
	if filters.States != nil {
		if len(filters.States) == 0 {
			where = append(where, "FALSE")
		} else {
			marks := make([]string, len(filters.States))
			for i, s := range filters.States {
				args = append(args, s.String())
				marks[i] = fmt.Sprintf("$%d", len(args))
			}
			where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
		}
	}
	if filters.User != "" {
		args = append(args, filters.User)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	query := `SELECT ` + taskColumns + ` FROM task`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	return query + " ORDER BY created_at", args
}

func (p *Postgres) DeleteAll(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM task`); err != nil {
		return fmt.Errorf("delete all: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

type pgRow struct {
	state       string
	args        []byte
	result      []byte
	err         []byte
	completedAt sql.NullTime
}

func newPgRow(task *tasks.Task) (pgRow, error) {
	var (
		row pgRow
		err error
	)
	row.state = task.State.String()
	if row.args, err = json.Marshal(task.Args); err != nil {
		return row, fmt.Errorf("encode args of %s: %w", task.ID, err)
	}
	if task.Result != nil {
		if row.result, err = json.Marshal(task.Result); err != nil {
			return row, fmt.Errorf("encode result of %s: %w", task.ID, err)
		}
	}
	if task.Error != nil {
		if row.err, err = json.Marshal(task.Error); err != nil {
			return row, fmt.Errorf("encode error of %s: %w", task.ID, err)
		}
	}
	if task.CompletedAt != nil {
		row.completedAt = sql.NullTime{Time: *task.CompletedAt, Valid: true}
	}
	return row, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*tasks.Task, error) {
	var (
		t                 tasks.Task
		state             string
		args, result, err []byte
		completedAt       sql.NullTime
	)
	if e := s.Scan(&t.ID, &t.Name, &state, &t.Progress, &args, &result, &err, &t.CreatedAt, &completedAt, &t.RetriesLeft); e != nil {
		return nil, e
	}
	parsed, e := tasks.ParseState(state)
	if e != nil {
		return nil, e
	}
	t.State = parsed
	if e := json.Unmarshal(args, &t.Args); e != nil {
		return nil, fmt.Errorf("decode args of %s: %w", t.ID, e)
	}
	if len(result) > 0 {
		t.Result = &tasks.Result{}
		if e := json.Unmarshal(result, t.Result); e != nil {
			return nil, fmt.Errorf("decode result of %s: %w", t.ID, e)
		}
	}
	if len(err) > 0 {
		t.Error = &tasks.TaskError{}
		if e := json.Unmarshal(err, t.Error); e != nil {
			return nil, fmt.Errorf("decode error of %s: %w", t.ID, e)
		}
	}
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		t.CompletedAt = &at
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
