// Package sqlite provides a SQLite-backed action-group library.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gwillem/servobot/pkg/action"
	"github.com/gwillem/servobot/pkg/fault"
	"github.com/gwillem/servobot/pkg/motion"
	"github.com/gwillem/servobot/pkg/robot"
	"github.com/gwillem/servobot/pkg/storage/sqlite/migrations"
	"github.com/gwillem/servobot/pkg/storage/sqlitemigrate"
)

// Store persists action groups in SQLite. Each keyframe is one row in
// action_frames and each servo angle one row in action_steps, so a saved
// sequence loads back exactly.
type Store struct {
	sqlDB *sql.DB
}

var _ action.Library = (*Store)(nil)

// Open opens a SQLite action library and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Load reads one action group. Missing groups fail with UnknownGroup.
func (s *Store) Load(ctx context.Context, name string) (motion.Sequence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var one int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM action_groups WHERE name = ?`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return nil, fault.Newf(fault.CodeUnknownGroup, "unknown action group %q", name).With("group", name)
	}
	if err != nil {
		return nil, fmt.Errorf("load action group %s: %w", name, err)
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT frame, delay FROM action_frames WHERE group_name = ? ORDER BY frame`, name)
	if err != nil {
		return nil, fmt.Errorf("load frames of %s: %w", name, err)
	}
	var seq motion.Sequence
	index := make(map[int]int)
	for rows.Next() {
		var frame int
		var delay float64
		if err := rows.Scan(&frame, &delay); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan frame of %s: %w", name, err)
		}
		index[frame] = len(seq)
		seq = append(seq, motion.Keyframe{Angles: map[robot.ServoID]float64{}, Delay: delay})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load frames of %s: %w", name, err)
	}

	steps, err := s.sqlDB.QueryContext(ctx,
		`SELECT frame, servo_id, angle FROM action_steps WHERE group_name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("load steps of %s: %w", name, err)
	}
	defer steps.Close()
	for steps.Next() {
		var frame int
		var servo string
		var angle float64
		if err := steps.Scan(&frame, &servo, &angle); err != nil {
			return nil, fmt.Errorf("scan step of %s: %w", name, err)
		}
		i, ok := index[frame]
		if !ok {
			return nil, fmt.Errorf("action group %s: step references missing frame %d", name, frame)
		}
		seq[i].Angles[robot.ServoID(servo)] = angle
	}
	if err := steps.Err(); err != nil {
		return nil, fmt.Errorf("load steps of %s: %w", name, err)
	}
	return seq, nil
}

// Save replaces an action group.
func (s *Store) Save(ctx context.Context, name string, seq motion.Sequence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("action group name is required")
	}
	if err := seq.Validate(); err != nil {
		return fmt.Errorf("save action group %s: %w", name, err)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteGroup(ctx, tx, name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO action_groups (name, updated_at) VALUES (?, ?)`,
		name, time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert action group %s: %w", name, err)
	}
	for i, kf := range seq {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO action_frames (group_name, frame, delay) VALUES (?, ?, ?)`,
			name, i, kf.Delay,
		); err != nil {
			return fmt.Errorf("insert frame %d of %s: %w", i, name, err)
		}
		for _, id := range robot.SortedIDs(kf.Angles) {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO action_steps (group_name, frame, servo_id, angle) VALUES (?, ?, ?, ?)`,
				name, i, string(id), kf.Angles[id],
			); err != nil {
				return fmt.Errorf("insert step %d/%s of %s: %w", i, id, name, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit action group %s: %w", name, err)
	}
	return nil
}

// Delete removes an action group. Missing groups fail with UnknownGroup.
func (s *Store) Delete(ctx context.Context, name string) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM action_groups WHERE name = ?`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return fault.Newf(fault.CodeUnknownGroup, "unknown action group %q", name).With("group", name)
	}
	if err != nil {
		return fmt.Errorf("delete action group %s: %w", name, err)
	}
	if err := deleteGroup(ctx, tx, name); err != nil {
		return err
	}
	return tx.Commit()
}

// List returns every group name in order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM action_groups ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list action groups: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan action group: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Seed saves the groups that do not exist yet and returns how many were
// added. Existing groups are left untouched.
func (s *Store) Seed(ctx context.Context, groups map[string]motion.Sequence) (int, error) {
	existing, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	have := make(map[string]bool, len(existing))
	for _, n := range existing {
		have[n] = true
	}
	added := 0
	for name, seq := range groups {
		if have[name] {
			continue
		}
		if err := s.Save(ctx, name, seq); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

func deleteGroup(ctx context.Context, tx *sql.Tx, name string) error {
	for _, stmt := range []string{
		`DELETE FROM action_steps WHERE group_name = ?`,
		`DELETE FROM action_frames WHERE group_name = ?`,
		`DELETE FROM action_groups WHERE name = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, name); err != nil {
			return fmt.Errorf("clear action group %s: %w", name, err)
		}
	}
	return nil
}
