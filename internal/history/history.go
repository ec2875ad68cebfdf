// Package history provides the append-only command and poll cycle
// ledgers for tadod. It supports intent deduplication and auditing.
package history

import (
	"database/sql"
	"time"
)

// Command is one intent's recorded outcome.
type Command struct {
	ID            int64     `json:"id"`
	IntentID      string    `json:"intent_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Source        string    `json:"source,omitempty"`
	TargetKind    string    `json:"target_kind"`
	TargetID      string    `json:"target_id"`
	Op            string    `json:"op"`
	Class         string    `json:"class"`
	Error         string    `json:"error,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Cycle is one recorded poll cycle with the quota snapshot and cadence
// that produced it.
type Cycle struct {
	ID        int64         `json:"id"`
	At        time.Time     `json:"at"`
	Calls     int           `json:"calls"`
	Interval  time.Duration `json:"-"`
	IntervalS float64       `json:"interval_s"`
	Status    string        `json:"status"`
	Remaining int           `json:"remaining"`
	Limit     int           `json:"limit"`
	Manual    bool          `json:"manual"`
	OK        bool          `json:"ok"`
	Error     string        `json:"error,omitempty"`
}

// Store provides append-only history logging with deduplication
type Store struct {
	db *sql.DB
}

// New creates a new Store using the provided database connection
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordCommand appends one intent outcome. INSERT OR IGNORE against
// the unique intent_id index makes replays harmless: the first writer
// wins and duplicates vanish silently.
func (s *Store) RecordCommand(cmd Command) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO commands
			(intent_id, correlation_id, source, target_kind, target_id, op, class, error, submitted_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cmd.IntentID, cmd.CorrelationID, cmd.Source, cmd.TargetKind, cmd.TargetID,
		cmd.Op, cmd.Class, cmd.Error, cmd.SubmittedAt.UTC().Unix(), cmd.CompletedAt.UTC().Unix())
	return err
}

// HasCommand checks whether an intent id was already recorded.
func (s *Store) HasCommand(intentID string) bool {
	if intentID == "" {
		return false // Empty key = no dedupe
	}

	var exists int
	err := s.db.QueryRow(`
		SELECT 1 FROM commands WHERE intent_id = ? LIMIT 1
	`, intentID).Scan(&exists)

	return err == nil && exists == 1
}

// Commands returns the most recent command records, newest first.
func (s *Store) Commands(limit int) ([]*Command, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, intent_id, correlation_id, source, target_kind, target_id, op, class, error, submitted_at, completed_at
		FROM commands
		ORDER BY completed_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCommands(rows)
}

// RecordCycle appends one poll cycle record.
func (s *Store) RecordCycle(c Cycle) error {
	interval := c.IntervalS
	if interval == 0 && c.Interval > 0 {
		interval = c.Interval.Seconds()
	}
	_, err := s.db.Exec(`
		INSERT INTO cycles (at, calls, interval_s, status, remaining, call_limit, manual, ok, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.At.UTC().Unix(), c.Calls, interval, c.Status, c.Remaining, c.Limit,
		boolInt(c.Manual), boolInt(c.OK), c.Error)
	return err
}

// Cycles returns the most recent poll cycle records, newest first.
func (s *Store) Cycles(limit int) ([]*Cycle, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, at, calls, interval_s, status, remaining, call_limit, manual, ok, error
		FROM cycles
		ORDER BY at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanCycles(rows)
}

// DeleteOlderThan removes records older than the retention period from
// both tables and reports how many rows were dropped.
func (s *Store) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()

	var total int64
	res, err := s.db.Exec(`DELETE FROM commands WHERE completed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = s.db.Exec(`DELETE FROM cycles WHERE at < ?`, cutoff)
	if err != nil {
		return total, err
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	return total, nil
}

func scanCommands(rows *sql.Rows) ([]*Command, error) {
	var cmds []*Command
	for rows.Next() {
		var cmd Command
		var correlation, source, errText sql.NullString
		var submitted, completed int64

		err := rows.Scan(&cmd.ID, &cmd.IntentID, &correlation, &source,
			&cmd.TargetKind, &cmd.TargetID, &cmd.Op, &cmd.Class, &errText,
			&submitted, &completed)
		if err != nil {
			return nil, err
		}

		cmd.CorrelationID = correlation.String
		cmd.Source = source.String
		cmd.Error = errText.String
		cmd.SubmittedAt = time.Unix(submitted, 0).UTC()
		cmd.CompletedAt = time.Unix(completed, 0).UTC()
		cmds = append(cmds, &cmd)
	}
	return cmds, rows.Err()
}

func scanCycles(rows *sql.Rows) ([]*Cycle, error) {
	var cycles []*Cycle
	for rows.Next() {
		var c Cycle
		var errText sql.NullString
		var at int64
		var manual, ok int

		err := rows.Scan(&c.ID, &at, &c.Calls, &c.IntervalS, &c.Status,
			&c.Remaining, &c.Limit, &manual, &ok, &errText)
		if err != nil {
			return nil, err
		}

		c.At = time.Unix(at, 0).UTC()
		c.Interval = time.Duration(c.IntervalS * float64(time.Second))
		c.Manual = manual == 1
		c.OK = ok == 1
		c.Error = errText.String
		cycles = append(cycles, &c)
	}
	return cycles, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
