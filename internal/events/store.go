// Package events is the append-only durable log of every verdict and
// security finding, self-contained enough to reconstruct what the monitor
// decided and why.
package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/guardclaw/guardclaw/internal/safeguard"
	"github.com/guardclaw/guardclaw/internal/telemetry"
)

// Event types.
const (
	TypeVerdict  = "verdict"
	TypeSecurity = "security"
	TypePrompt   = "prompt"
)

// SubTypes distinguishing the ingestion path. The hook path is authoritative:
// its reply actually gated the call. Streaming analyses are advisory and may
// coexist with a hook record for the same call.
const (
	SubTypeHook     = "hook"
	SubTypeStream   = "stream-advisory"
	SubTypeLeak     = "credential-leak"
	SubTypeInjected = "prompt-injection"
)

// DefaultKeep is the prune target: the newest N events survive.
const DefaultKeep = 10000

// Event is one persisted record. Data carries the full verdict (or finding
// details) as JSON so the log is self-contained.
type Event struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"type"`
	Tool       string    `json:"tool"`
	SubType    string    `json:"subType"`
	SessionKey string    `json:"sessionKey"`
	RiskScore  int       `json:"riskScore"`
	Category   string    `json:"category,omitempty"`
	Allowed    bool      `json:"allowed"`
	Data       string    `json:"data,omitempty"`
}

// Query filters for List. Zero values mean "no filter".
type Query struct {
	SessionKey string
	Type       string
	MinScore   int
	MaxScore   int
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Store is the SQLite-backed event log.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	entropy *rand.Rand
}

// Open creates or opens the event log at dataDir/events.db.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "events.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		type TEXT NOT NULL,
		tool TEXT NOT NULL,
		sub_type TEXT NOT NULL,
		session_key TEXT NOT NULL,
		risk_score INTEGER NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		allowed INTEGER NOT NULL,
		data TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_key);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	CREATE INDEX IF NOT EXISTS idx_events_risk ON events(risk_score);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init event schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) newID(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// RecordVerdict persists one classification. subType tags the ingestion path
// so the authoritative hook record can be told apart from the advisory
// streaming one. Failures are logged, never returned: persistence must not
// fail the hot path.
func (s *Store) RecordVerdict(action safeguard.Action, verdict safeguard.Verdict, subType string) {
	data, err := json.Marshal(struct {
		Params  map[string]any    `json:"params"`
		Summary string            `json:"summary"`
		Verdict safeguard.Verdict `json:"verdict"`
	}{action.Params, action.Summary, verdict})
	if err != nil {
		data = []byte("{}")
	}

	s.insert(Event{
		Type:       TypeVerdict,
		Tool:       action.Tool,
		SubType:    subType,
		SessionKey: action.SessionKey,
		RiskScore:  verdict.Score,
		Category:   verdict.Category,
		Allowed:    verdict.Allowed,
		Data:       string(data),
	})
}

// RecordSecurity persists a post-hoc security finding (credential leak in
// tool output, prompt injection in a user turn).
func (s *Store) RecordSecurity(sessionKey, tool, subType, detail string) {
	telemetry.SecurityEvents.WithLabelValues(subType).Inc()
	data, _ := json.Marshal(map[string]string{"detail": detail})
	s.insert(Event{
		Type:       TypeSecurity,
		Tool:       tool,
		SubType:    subType,
		SessionKey: sessionKey,
		RiskScore:  8,
		Category:   subType,
		Allowed:    true,
		Data:       string(data),
	})
}

func (s *Store) insert(e Event) {
	now := time.Now()
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.ID == "" {
		e.ID = s.newID(e.Timestamp)
	}

	_, err := s.db.Exec(`
		INSERT INTO events (id, timestamp, type, tool, sub_type, session_key, risk_score, category, allowed, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UnixMilli(), e.Type, e.Tool, e.SubType, e.SessionKey,
		e.RiskScore, e.Category, boolToInt(e.Allowed), e.Data)
	if err != nil {
		log.Warn().Err(err).Str("type", e.Type).Msg("Failed to persist event")
	}
}

// List returns events matching the query, newest first.
func (s *Store) List(q Query) ([]Event, error) {
	where := "1=1"
	args := []any{}

	if q.SessionKey != "" {
		where += " AND session_key = ?"
		args = append(args, q.SessionKey)
	}
	if q.Type != "" {
		where += " AND type = ?"
		args = append(args, q.Type)
	}
	if q.MinScore > 0 {
		where += " AND risk_score >= ?"
		args = append(args, q.MinScore)
	}
	if q.MaxScore > 0 {
		where += " AND risk_score <= ?"
		args = append(args, q.MaxScore)
	}
	if !q.Since.IsZero() {
		where += " AND timestamp >= ?"
		args = append(args, q.Since.UnixMilli())
	}
	if !q.Until.IsZero() {
		where += " AND timestamp <= ?"
		args = append(args, q.Until.UnixMilli())
	}

	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.Query(`
		SELECT id, timestamp, type, tool, sub_type, session_key, risk_score, category, allowed, data
		FROM events WHERE `+where+` ORDER BY timestamp DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ts int64
		var allowed int
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.Tool, &e.SubType, &e.SessionKey,
			&e.RiskScore, &e.Category, &allowed, &e.Data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		e.Allowed = allowed != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep events.
func (s *Store) Prune(keep int) (int64, error) {
	if keep <= 0 {
		keep = DefaultKeep
	}
	res, err := s.db.Exec(`
		DELETE FROM events WHERE id NOT IN (
			SELECT id FROM events ORDER BY timestamp DESC, id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the total number of stored events.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
