package memory

import (
	"database/sql"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Decision is a user's disposition of one tool call.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
	DecisionNeutral Decision = "neutral"
)

// SuggestedAction is what accumulated decisions recommend for a pattern.
type SuggestedAction string

const (
	SuggestAsk         SuggestedAction = "ask"
	SuggestAutoApprove SuggestedAction = "auto-approve"
	SuggestAutoDeny    SuggestedAction = "auto-deny"
)

// Confidence thresholds. Denies weigh 3x approvals: one deny is a strong
// signal, approvals accumulate.
const (
	denyWeight           = 3.0
	autoApproveMinTotal  = 3
	autoApproveThreshold = 0.7
	autoDenyMinTotal     = 2
	autoDenyThreshold    = -0.3
	decayDays            = 30.0
	adjustMinDecisions   = 3
)

// DecisionRecord is one persisted user decision.
type DecisionRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	Tool       string    `json:"tool"`
	Command    string    `json:"command"`
	Pattern    string    `json:"pattern"`
	Score      int       `json:"score"`
	Decision   Decision  `json:"decision"`
	SessionKey string    `json:"sessionKey"`
}

// LookupResult aggregates what memory knows about one pattern.
type LookupResult struct {
	Found           bool             `json:"found"`
	Pattern         string           `json:"pattern"`
	ApproveCount    int              `json:"approveCount"`
	DenyCount       int              `json:"denyCount"`
	Confidence      float64          `json:"confidence"`
	SuggestedAction SuggestedAction  `json:"suggestedAction"`
	LastSeen        time.Time        `json:"lastSeen"`
	RecentDecisions []DecisionRecord `json:"recentDecisions,omitempty"`
}

// RelatedPattern is a neighbor pattern used only for prompt context, never
// for short-circuiting.
type RelatedPattern struct {
	Pattern      string `json:"pattern"`
	ApproveCount int    `json:"approveCount"`
	DenyCount    int    `json:"denyCount"`
}

// Store is the durable decision memory. SQLite in WAL mode, single writer
// connection, one transaction per recorded decision.
type Store struct {
	db *sql.DB

	now func() time.Time // test hook
}

// Open creates or opens memory.db under dataDir.
func Open(dataDir string) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "memory.db")

	// Pragmas in the DSN so every pool connection is configured.
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize memory schema: %w", err)
	}

	log.Info().Str("dbPath", dbPath).Msg("Pattern memory store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		tool TEXT NOT NULL,
		command TEXT NOT NULL,
		pattern TEXT NOT NULL,
		score INTEGER NOT NULL,
		decision TEXT NOT NULL,
		session_key TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_decisions_pattern ON decisions(pattern);
	CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp);

	CREATE TABLE IF NOT EXISTS patterns (
		pattern TEXT PRIMARY KEY,
		tool TEXT NOT NULL,
		approve_count INTEGER NOT NULL DEFAULT 0,
		deny_count INTEGER NOT NULL DEFAULT 0,
		confidence REAL NOT NULL DEFAULT 0,
		last_seen INTEGER NOT NULL,
		suggested_action TEXT NOT NULL DEFAULT 'ask',
		forced INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_patterns_tool ON patterns(tool);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// confidence computes the deny-weighted ratio in [-1, +1].
func confidence(approves, denies int) float64 {
	a := float64(approves)
	d := float64(denies) * denyWeight
	if a+d == 0 {
		return 0
	}
	return (a - d) / (a + d)
}

func suggestedAction(approves, denies int, conf float64, forced bool) SuggestedAction {
	if forced {
		return SuggestAutoApprove
	}
	total := approves + denies
	switch {
	case total >= autoApproveMinTotal && conf > autoApproveThreshold:
		return SuggestAutoApprove
	case total >= autoDenyMinTotal && conf < autoDenyThreshold:
		return SuggestAutoDeny
	default:
		return SuggestAsk
	}
}

// RecordDecision inserts a DecisionRecord and upserts the pattern aggregate
// in one transaction. Concurrent calls for the same pattern produce the same
// final counts as any serial order.
func (s *Store) RecordDecision(tool, commandStr string, score int, decision Decision, sessionKey string) error {
	return s.record(tool, commandStr, score, decision, sessionKey, false)
}

// ForceAutoApprove records a strong positive signal and pins the pattern's
// suggested action to auto-approve regardless of the confidence math. Used
// by the always-approve resolution.
func (s *Store) ForceAutoApprove(tool, commandStr, sessionKey string) error {
	return s.record(tool, commandStr, 0, DecisionApprove, sessionKey, true)
}

func (s *Store) record(tool, commandStr string, score int, decision Decision, sessionKey string, force bool) error {
	pattern := Pattern(tool, commandStr)
	now := s.now()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin decision transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO decisions (timestamp, tool, command, pattern, score, decision, session_key)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		now.UnixMilli(), tool, commandStr, pattern, score, string(decision), sessionKey,
	); err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}

	approveDelta, denyDelta := 0, 0
	switch decision {
	case DecisionApprove:
		approveDelta = 1
	case DecisionDeny:
		denyDelta = 1
	}

	forcedVal := 0
	if force {
		forcedVal = 1
	}

	// Commutative increments inside the transaction keep concurrent
	// decisions on one pattern consistent with any serial order.
	if _, err := tx.Exec(
		`INSERT INTO patterns (pattern, tool, approve_count, deny_count, confidence, last_seen, suggested_action, forced)
		 VALUES (?, ?, ?, ?, 0, ?, 'ask', ?)
		 ON CONFLICT(pattern) DO UPDATE SET
			approve_count = approve_count + excluded.approve_count,
			deny_count = deny_count + excluded.deny_count,
			last_seen = excluded.last_seen,
			forced = MAX(forced, excluded.forced)`,
		pattern, tool, approveDelta, denyDelta, now.UnixMilli(), forcedVal,
	); err != nil {
		return fmt.Errorf("upsert pattern: %w", err)
	}

	// Recompute derived columns from the stored counts.
	if _, err := tx.Exec(
		`UPDATE patterns SET
			confidence = CASE WHEN approve_count + 3.0*deny_count = 0 THEN 0
				ELSE (approve_count - 3.0*deny_count) / (approve_count + 3.0*deny_count) END,
			suggested_action = CASE
				WHEN forced = 1 THEN 'auto-approve'
				WHEN approve_count + deny_count >= 3 AND
					(approve_count - 3.0*deny_count) / (approve_count + 3.0*deny_count) > 0.7 THEN 'auto-approve'
				WHEN approve_count + deny_count >= 2 AND
					(approve_count - 3.0*deny_count) / (approve_count + 3.0*deny_count) < -0.3 THEN 'auto-deny'
				ELSE 'ask' END
		 WHERE pattern = ?`,
		pattern,
	); err != nil {
		return fmt.Errorf("recompute pattern: %w", err)
	}

	return tx.Commit()
}

// Lookup returns the aggregate for the action's pattern plus its most recent
// decisions.
func (s *Store) Lookup(tool, commandStr string) (LookupResult, error) {
	pattern := Pattern(tool, commandStr)
	result := LookupResult{Pattern: pattern}

	var lastSeenMS int64
	var action string
	var forced int
	err := s.db.QueryRow(
		`SELECT approve_count, deny_count, confidence, last_seen, suggested_action, forced
		 FROM patterns WHERE pattern = ?`, pattern,
	).Scan(&result.ApproveCount, &result.DenyCount, &result.Confidence, &lastSeenMS, &action, &forced)
	if err == sql.ErrNoRows {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("lookup pattern: %w", err)
	}

	result.Found = true
	result.LastSeen = time.UnixMilli(lastSeenMS)
	result.SuggestedAction = SuggestedAction(action)

	rows, err := s.db.Query(
		`SELECT timestamp, tool, command, score, decision, session_key
		 FROM decisions WHERE pattern = ? ORDER BY timestamp DESC LIMIT 5`, pattern)
	if err != nil {
		return result, nil
	}
	defer rows.Close()
	for rows.Next() {
		var rec DecisionRecord
		var ts int64
		var dec string
		if err := rows.Scan(&ts, &rec.Tool, &rec.Command, &rec.Score, &dec, &rec.SessionKey); err != nil {
			continue
		}
		rec.Timestamp = time.UnixMilli(ts)
		rec.Decision = Decision(dec)
		rec.Pattern = pattern
		result.RecentDecisions = append(result.RecentDecisions, rec)
	}

	return result, nil
}

// Related returns up to k patterns for the same tool ranked by prefix
// overlap with the current pattern. Prompt context only; never used to
// short-circuit a decision.
func (s *Store) Related(tool, commandStr string, k int) ([]RelatedPattern, error) {
	current := Pattern(tool, commandStr)

	rows, err := s.db.Query(
		`SELECT pattern, approve_count, deny_count FROM patterns WHERE tool = ? AND pattern != ?`,
		tool, current)
	if err != nil {
		return nil, fmt.Errorf("query related patterns: %w", err)
	}
	defer rows.Close()

	type scored struct {
		rp      RelatedPattern
		overlap int
	}
	var candidates []scored
	for rows.Next() {
		var rp RelatedPattern
		if err := rows.Scan(&rp.Pattern, &rp.ApproveCount, &rp.DenyCount); err != nil {
			continue
		}
		overlap := prefixOverlap(current, rp.Pattern)
		if overlap <= len(tool)+1 && !strings.Contains(rp.Pattern, firstWord(current)) {
			continue
		}
		candidates = append(candidates, scored{rp, overlap})
	}

	// Insertion sort by overlap; candidate sets are small.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].overlap > candidates[j-1].overlap; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]RelatedPattern, len(candidates))
	for i, c := range candidates {
		out[i] = c.rp
	}
	return out, nil
}

func prefixOverlap(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func firstWord(pattern string) string {
	if idx := strings.Index(pattern, ":"); idx >= 0 {
		pattern = pattern[idx+1:]
	}
	if idx := strings.Index(pattern, " "); idx >= 0 {
		pattern = pattern[:idx]
	}
	return pattern
}

// ScoreAdjustment returns the integer delta memory applies to a raw
// classifier score. Hard bounds: zero when the raw score is already >= 9
// (never downgrade genuinely dangerous calls), the adjusted score never
// drops below 3, and patterns with fewer than 3 decisions contribute nothing.
func (s *Store) ScoreAdjustment(lookup LookupResult, rawScore int) int {
	if !lookup.Found {
		return 0
	}
	if rawScore >= 9 {
		return 0
	}
	total := lookup.ApproveCount + lookup.DenyCount
	if total < adjustMinDecisions {
		return 0
	}

	ageDays := s.now().Sub(lookup.LastSeen).Hours() / 24
	decay := 1 - ageDays/decayDays
	if decay < 0 {
		decay = 0
	}

	switch {
	case lookup.Confidence > 0.5:
		delta := -int(math.Floor(3 * lookup.Confidence * decay))
		if rawScore+delta < 3 {
			delta = 3 - rawScore
		}
		if delta > 0 {
			delta = 0
		}
		return delta
	case lookup.Confidence < autoDenyThreshold:
		delta := int(math.Floor(2 * math.Abs(lookup.Confidence) * decay))
		if delta > 2 {
			delta = 2
		}
		return delta
	default:
		return 0
	}
}

// Prune deletes decisions older than maxAge. Pattern aggregates survive;
// decay handles their staleness.
func (s *Store) Prune(maxAge time.Duration) (int64, error) {
	cutoff := s.now().Add(-maxAge).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM decisions WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune decisions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Debug().Int64("count", n).Msg("Pruned aged decision records")
	}
	return n, nil
}

// Decisions returns the full decision log in insertion order, for replay and
// export.
func (s *Store) Decisions() ([]DecisionRecord, error) {
	rows, err := s.db.Query(
		`SELECT timestamp, tool, command, pattern, score, decision, session_key FROM decisions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		var ts int64
		var dec string
		if err := rows.Scan(&ts, &rec.Tool, &rec.Command, &rec.Pattern, &rec.Score, &dec, &rec.SessionKey); err != nil {
			return nil, err
		}
		rec.Timestamp = time.UnixMilli(ts)
		rec.Decision = Decision(dec)
		out = append(out, rec)
	}
	return out, rows.Err()
}
