package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	parent_id      TEXT REFERENCES tasks(id),
	name           TEXT NOT NULL,
	category_path  TEXT NOT NULL DEFAULT '',
	date           TEXT NOT NULL DEFAULT '',
	sort_order     INTEGER NOT NULL DEFAULT 0,
	elapsed_time   INTEGER NOT NULL DEFAULT 0,
	start_time     INTEGER,
	is_running     INTEGER NOT NULL DEFAULT 0,
	is_paused      INTEGER NOT NULL DEFAULT 0,
	version        INTEGER NOT NULL DEFAULT 1,
	completed_at   INTEGER,
	last_device_id TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	CHECK (NOT (is_running = 1 AND is_paused = 1))
);
CREATE INDEX IF NOT EXISTS idx_tasks_user_date ON tasks(user_id, date);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);

CREATE TABLE IF NOT EXISTS tags (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	name       TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE (user_id, name)
);

CREATE TABLE IF NOT EXISTS task_tags (
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	tag_id  TEXT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
	PRIMARY KEY (task_id, tag_id)
);
`

const taskColumns = `id, user_id, parent_id, name, category_path, date, sort_order,
	elapsed_time, start_time, is_running, is_paused, version, completed_at,
	last_device_id, created_at, updated_at`

// DefaultTxTimeout bounds compound writes when no timeout is configured.
const DefaultTxTimeout = 5 * time.Second

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore persists tasks in a SQLite database.
type SQLiteStore struct {
	db        *sql.DB
	logger    *slog.Logger
	now       func() time.Time
	txTimeout time.Duration
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the server clock used for timestamps and bulk pauses.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// WithLogger sets the logger used for write diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *SQLiteStore) { s.logger = l }
}

// WithTxTimeout bounds the duration of each write transaction.
func WithTxTimeout(d time.Duration) Option {
	return func(s *SQLiteStore) { s.txTimeout = d }
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the schema exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	s := &SQLiteStore{
		db:        db,
		logger:    slog.Default(),
		now:       time.Now,
		txTimeout: DefaultTxTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn inside a transaction bounded by the configured timeout.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if s.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Create inserts a task and links its tags in one transaction.
func (s *SQLiteStore) Create(ctx context.Context, userID string, in CreateInput) (*Task, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}

	now := s.now().UTC()
	t := &Task{
		ID:           uuid.NewString(),
		UserID:       userID,
		Name:         name,
		CategoryPath: strings.Trim(strings.TrimSpace(in.CategoryPath), "/"),
		Date:         in.Date,
		Order:        in.Order,
		ParentID:     clonePtr(in.ParentID),
		Version:      1,
		InstanceTags: []Tag{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if t.ParentID != nil {
			var one int
			err := tx.QueryRowContext(ctx,
				`SELECT 1 FROM tasks WHERE id = ? AND user_id = ?`, *t.ParentID, userID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("parent %s: %w", *t.ParentID, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("lookup parent: %w", err)
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			t.ID, t.UserID, nullString(t.ParentID), t.Name, t.CategoryPath, t.Date, t.Order,
			t.ElapsedTime, nil, false, false, t.Version, nil,
			"", t.CreatedAt, t.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		tags, err := linkTags(ctx, tx, userID, t.ID, in.TagNames, now)
		if err != nil {
			return err
		}
		t.InstanceTags = tags
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("task created", "task_id", t.ID, "user_id", userID, "tags", len(t.InstanceTags))
	return t, nil
}

// linkTags upserts each distinct tag name for the user and links it to taskID.
func linkTags(ctx context.Context, q queryer, userID, taskID string, names []string, now time.Time) ([]Tag, error) {
	tags := []Tag{}
	seen := make(map[string]bool, len(names))
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		_, err := q.ExecContext(ctx, `
			INSERT INTO tags (id, user_id, name, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(user_id, name) DO NOTHING`,
			uuid.NewString(), userID, name, now)
		if err != nil {
			return nil, fmt.Errorf("upsert tag %q: %w", name, err)
		}
		tag := Tag{UserID: userID, Name: name}
		err = q.QueryRowContext(ctx,
			`SELECT id FROM tags WHERE user_id = ? AND name = ?`, userID, name).Scan(&tag.ID)
		if err != nil {
			return nil, fmt.Errorf("lookup tag %q: %w", name, err)
		}
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_tags (task_id, tag_id) VALUES (?, ?)`, taskID, tag.ID); err != nil {
			return nil, fmt.Errorf("link tag %q: %w", name, err)
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(ctx context.Context, userID, id string) (*Task, error) {
	t, err := getTask(ctx, s.db, userID, id)
	if err != nil {
		return nil, err
	}
	tags, err := taskTags(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	t.InstanceTags = tags
	return t, nil
}

func getTask(ctx context.Context, q queryer, userID, id string) (*Task, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND user_id = ?`, id, userID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func taskTags(ctx context.Context, q queryer, taskID string) ([]Tag, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT t.id, t.user_id, t.name
		FROM tags t
		JOIN task_tags tt ON t.id = tt.tag_id
		WHERE tt.task_id = ?
		ORDER BY t.name`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task tags: %w", err)
	}
	defer rows.Close()

	tags := []Tag{}
	for rows.Next() {
		var tag Tag
		if err := rows.Scan(&tag.ID, &tag.UserID, &tag.Name); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// ConditionalUpdate applies p to the task if its stored version equals
// expectedVersion, incrementing the version by one. On mismatch nothing is
// written and a *ConflictError is returned. Starting a task while another
// task of the user is running is reported the same way, with RunningTaskID
// naming the running task.
func (s *SQLiteStore) ConditionalUpdate(ctx context.Context, userID, id string, expectedVersion int64, deviceID string, p Patch) (*Task, error) {
	var next *Task
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := getTask(ctx, tx, userID, id)
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return &ConflictError{TaskID: id, ExpectedVersion: expectedVersion, CurrentVersion: cur.Version}
		}

		candidate := p.Apply(cur)
		if err := Validate(cur, candidate); err != nil {
			return err
		}
		if candidate.IsRunning && !cur.IsRunning {
			other, err := runningOther(ctx, tx, userID, id)
			if err != nil {
				return err
			}
			if other != "" {
				return &ConflictError{
					TaskID:          id,
					ExpectedVersion: expectedVersion,
					CurrentVersion:  cur.Version,
					RunningTaskID:   other,
				}
			}
		}
		candidate.LastDeviceID = deviceID
		candidate.UpdatedAt = s.now().UTC()

		ok, err := writeVersioned(ctx, tx, candidate, expectedVersion)
		if err != nil {
			return err
		}
		if !ok {
			return &ConflictError{TaskID: id, ExpectedVersion: expectedVersion, CurrentVersion: cur.Version}
		}
		candidate.Version = expectedVersion + 1

		tags, err := taskTags(ctx, tx, id)
		if err != nil {
			return err
		}
		candidate.InstanceTags = tags
		next = candidate
		return nil
	})
	if err != nil {
		var ce *ConflictError
		if errors.As(err, &ce) {
			s.logger.Info("conditional update rejected",
				"task_id", id, "user_id", userID, "device_id", deviceID,
				"expected_version", ce.ExpectedVersion, "current_version", ce.CurrentVersion,
				"running_task_id", ce.RunningTaskID)
		}
		return nil, err
	}
	s.logger.Debug("task updated",
		"task_id", id, "user_id", userID, "device_id", deviceID, "version", next.Version)
	return next, nil
}

// runningOther returns the id of a running task of the user other than id,
// or "" when there is none.
func runningOther(ctx context.Context, q queryer, userID, id string) (string, error) {
	var other string
	err := q.QueryRowContext(ctx,
		`SELECT id FROM tasks WHERE user_id = ? AND is_running = 1 AND id != ? LIMIT 1`,
		userID, id).Scan(&other)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("check running tasks: %w", err)
	}
	return other, nil
}

// writeVersioned stores every mutable column of t if the row still carries
// expectedVersion. It reports whether a row was written.
func writeVersioned(ctx context.Context, q queryer, t *Task, expectedVersion int64) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET
			name=?, category_path=?, date=?, sort_order=?, elapsed_time=?, start_time=?,
			is_running=?, is_paused=?, completed_at=?, last_device_id=?, updated_at=?,
			version = version + 1
		WHERE id=? AND user_id=? AND version=?`,
		t.Name, t.CategoryPath, t.Date, t.Order, t.ElapsedTime, nullInt(t.StartTime),
		t.IsRunning, t.IsPaused, nullInt(t.CompletedAt), t.LastDeviceID, t.UpdatedAt,
		t.ID, t.UserID, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PauseAllRunning moves every running task of the user to Paused, folding
// the time since StartTime (by the store clock) into ElapsedTime.
func (s *SQLiteStore) PauseAllRunning(ctx context.Context, userID, deviceID string) ([]*Task, error) {
	var paused []*Task
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		running, err := listTasks(ctx, tx,
			`SELECT `+taskColumns+` FROM tasks WHERE user_id = ? AND is_running = 1
			ORDER BY sort_order, created_at`, userID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		for _, cur := range running {
			next := PauseAt(cur, now.Unix()).Apply(cur)
			next.LastDeviceID = deviceID
			next.UpdatedAt = now
			ok, err := writeVersioned(ctx, tx, next, cur.Version)
			if err != nil {
				return err
			}
			if !ok {
				return &ConflictError{TaskID: cur.ID, ExpectedVersion: cur.Version, CurrentVersion: cur.Version + 1}
			}
			next.Version = cur.Version + 1
			if next.InstanceTags, err = taskTags(ctx, tx, next.ID); err != nil {
				return err
			}
			paused = append(paused, next)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(paused) > 0 {
		s.logger.Info("paused running tasks", "user_id", userID, "device_id", deviceID, "count", len(paused))
	}
	return paused, nil
}

// DeleteCascade removes the task and all its descendants, children before
// parents. It returns the number of deleted tasks.
func (s *SQLiteStore) DeleteCascade(ctx context.Context, userID, id string) (int, error) {
	var deleted int
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := getTask(ctx, tx, userID, id); err != nil {
			return err
		}
		n, err := deleteSubtree(ctx, tx, userID, id)
		deleted = n
		return err
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("task deleted", "task_id", id, "user_id", userID, "count", deleted)
	return deleted, nil
}

func deleteSubtree(ctx context.Context, q queryer, userID, id string) (int, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id FROM tasks WHERE parent_id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return 0, fmt.Errorf("list children of %s: %w", id, err)
	}
	var children []string
	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			rows.Close()
			return 0, err
		}
		children = append(children, child)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	total := 0
	for _, child := range children {
		n, err := deleteSubtree(ctx, q, userID, child)
		if err != nil {
			return 0, err
		}
		total += n
	}

	if _, err := q.ExecContext(ctx, `DELETE FROM task_tags WHERE task_id = ?`, id); err != nil {
		return 0, fmt.Errorf("unlink tags of %s: %w", id, err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND user_id = ?`, id, userID); err != nil {
		return 0, fmt.Errorf("delete task %s: %w", id, err)
	}
	return total + 1, nil
}

// Tree returns the user's tasks assembled into a forest.
func (s *SQLiteStore) Tree(ctx context.Context, userID string, f Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString(`SELECT ` + taskColumns + ` FROM tasks WHERE user_id = ?`)
	args := []any{userID}
	if f.Date != "" {
		q.WriteString(" AND date = ?")
		args = append(args, f.Date)
	}
	q.WriteString(" ORDER BY sort_order ASC, created_at ASC")

	rows, err := listTasks(ctx, s.db, q.String(), args...)
	if err != nil {
		return nil, err
	}

	tagsByTask, err := userTags(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	for _, t := range rows {
		if tags, ok := tagsByTask[t.ID]; ok {
			t.InstanceTags = tags
		} else {
			t.InstanceTags = []Tag{}
		}
	}
	return BuildForest(rows), nil
}

func userTags(ctx context.Context, q queryer, userID string) (map[string][]Tag, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT tt.task_id, t.id, t.user_id, t.name
		FROM task_tags tt
		JOIN tags t ON t.id = tt.tag_id
		WHERE t.user_id = ?
		ORDER BY t.name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]Tag)
	for rows.Next() {
		var taskID string
		var tag Tag
		if err := rows.Scan(&taskID, &tag.ID, &tag.UserID, &tag.Name); err != nil {
			return nil, err
		}
		out[taskID] = append(out[taskID], tag)
	}
	return out, rows.Err()
}

// FindRunningOrPaused returns the running task if any, else the first
// paused task, else nil.
func (s *SQLiteStore) FindRunningOrPaused(ctx context.Context, userID string) (*Task, error) {
	forest, err := s.Tree(ctx, userID, Filter{})
	if err != nil {
		return nil, err
	}
	t := RunningOrPaused(forest)
	if t == nil {
		return nil, nil
	}
	return t.Clone(), nil
}

// TreeStats summarises the user's forest, restricted to date when non-empty.
func (s *SQLiteStore) TreeStats(ctx context.Context, userID, date string) (*Stats, error) {
	forest, err := s.Tree(ctx, userID, Filter{Date: date})
	if err != nil {
		return nil, err
	}
	st := ComputeStats(forest)
	return &st, nil
}

func listTasks(ctx context.Context, q queryer, query string, args ...any) ([]*Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var parentID sql.NullString
	var startTime, completedAt sql.NullInt64

	err := s.Scan(
		&t.ID, &t.UserID, &parentID, &t.Name, &t.CategoryPath, &t.Date, &t.Order,
		&t.ElapsedTime, &startTime, &t.IsRunning, &t.IsPaused, &t.Version, &completedAt,
		&t.LastDeviceID, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		t.ParentID = &parentID.String
	}
	if startTime.Valid {
		t.StartTime = &startTime.Int64
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Int64
	}
	return &t, nil
}

func nullInt(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
