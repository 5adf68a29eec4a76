package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/arborist-labs/mnemo/internal/logging"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// SQLStore is the persistent implementation of Store, backed by SQLite
// (WAL mode, foreign keys on) with an optional sqlite-vec vec0 virtual
// table used to pre-filter embedding KNN candidates. When the extension
// fails to load, every vector operation transparently falls back to an
// exact scan in Go over all stored embeddings — the same degrade-gracefully pattern the reference
// codebase's graph database uses for trace_vec.
type SQLStore struct {
	db           *sql.DB
	vecAvailable bool
	vecDim       int

	mu sync.Mutex // guards vecDim/vec table creation on first embedding write
}

// Open opens or creates the SQLite database at dbDir/memory.db.
func Open(dbDir string) (*SQLStore, error) {
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("storage: create data dir: %w", err)
	}
	dbPath := filepath.Join(dbDir, "memory.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("storage: open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping db: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: enable foreign keys: %w", err)
	}

	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		logging.Info("storage", "sqlite-vec not available: %v — falling back to full scan", err)
	} else {
		logging.Info("storage", "sqlite-vec %s loaded", vecVersion)
		s.vecAvailable = true
	}

	return s, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		gist TEXT,
		created_at DATETIME NOT NULL,
		last_accessed_at DATETIME,
		access_count INTEGER NOT NULL DEFAULT 0,
		emotional_weight REAL NOT NULL DEFAULT 0,
		project_id TEXT,
		tags TEXT,
		consolidation_state TEXT NOT NULL DEFAULT 'fresh',
		encoding_strength REAL NOT NULL DEFAULT 1.0
	);
	CREATE INDEX IF NOT EXISTS idx_memories_project ON memories(project_id);

	CREATE TABLE IF NOT EXISTS embeddings (
		memory_id TEXT PRIMARY KEY REFERENCES memories(id) ON DELETE CASCADE,
		vector BLOB NOT NULL,
		model TEXT
	);

	CREATE TABLE IF NOT EXISTS access_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
		at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_access_memory ON access_events(memory_id, at);

	CREATE TABLE IF NOT EXISTS associations (
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		forward_strength REAL NOT NULL,
		backward_strength REAL NOT NULL,
		kind TEXT NOT NULL,
		last_reinforced DATETIME NOT NULL,
		PRIMARY KEY (source_id, target_id)
	);
	CREATE INDEX IF NOT EXISTS idx_assoc_source ON associations(source_id);
	CREATE INDEX IF NOT EXISTS idx_assoc_target ON associations(target_id);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		path TEXT UNIQUE NOT NULL,
		name TEXT,
		last_active DATETIME
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project_id TEXT,
		started_at DATETIME NOT NULL,
		last_touched DATETIME NOT NULL,
		ended_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id, ended_at);

	CREATE TABLE IF NOT EXISTS session_members (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		memory_id TEXT NOT NULL,
		PRIMARY KEY (session_id, memory_id)
	);

	CREATE TABLE IF NOT EXISTS locations (
		project_id TEXT NOT NULL,
		path TEXT NOT NULL,
		familiarity REAL NOT NULL DEFAULT 0,
		access_count INTEGER NOT NULL DEFAULT 0,
		pinned INTEGER NOT NULL DEFAULT 0,
		last_accessed DATETIME,
		summarized_contexts INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (project_id, path)
	);

	CREATE TABLE IF NOT EXISTS location_contexts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		path TEXT NOT NULL,
		activity TEXT,
		source TEXT,
		was_direct_access INTEGER,
		task_context TEXT,
		session_id TEXT,
		at DATETIME,
		FOREIGN KEY (project_id, path) REFERENCES locations(project_id, path) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS episodes (
		id TEXT PRIMARY KEY,
		project_id TEXT,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		boundary_reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_episodes_project ON episodes(project_id, ended_at);

	CREATE TABLE IF NOT EXISTS episode_events (
		episode_id TEXT NOT NULL REFERENCES episodes(id) ON DELETE CASCADE,
		memory_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		at DATETIME NOT NULL,
		PRIMARY KEY (episode_id, position)
	);

	CREATE TABLE IF NOT EXISTS temporal_links (
		episode_id TEXT NOT NULL REFERENCES episodes(id) ON DELETE CASCADE,
		from_pos INTEGER NOT NULL,
		to_pos INTEGER NOT NULL,
		forward_strength REAL NOT NULL,
		backward_strength REAL NOT NULL,
		distance INTEGER NOT NULL,
		PRIMARY KEY (episode_id, from_pos, to_pos)
	);

	CREATE TABLE IF NOT EXISTS visual_memories (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		gist TEXT,
		created_at DATETIME NOT NULL,
		last_accessed_at DATETIME,
		access_count INTEGER NOT NULL DEFAULT 0,
		emotional_weight REAL NOT NULL DEFAULT 0,
		project_id TEXT,
		tags TEXT,
		consolidation_state TEXT NOT NULL DEFAULT 'fresh',
		encoding_strength REAL NOT NULL DEFAULT 1.0,
		media TEXT NOT NULL,
		description TEXT,
		objects TEXT,
		significance REAL,
		emotional_valence REAL,
		emotional_arousal REAL,
		shared_by TEXT,
		source_path TEXT
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// --- marshal helpers ---

func marshalTags(tags []string) string {
	b, _ := json.Marshal(tags)
	return string(b)
}

func unmarshalTags(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func marshalVector(v []float32) []byte {
	b, _ := json.Marshal(v)
	return b
}

func unmarshalVector(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	var out []float32
	_ = json.Unmarshal(b, &out)
	return out
}

func nullTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

// --- Memories ---

func (s *SQLStore) CreateMemory(ctx context.Context, m *Memory) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.ConsolidationState == "" {
		m.ConsolidationState = StateFresh
	}
	if m.EncodingStrength == 0 {
		m.EncodingStrength = 1.0
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, kind, content, gist, created_at, last_accessed_at, access_count,
			emotional_weight, project_id, tags, consolidation_state, encoding_strength)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind=excluded.kind, content=excluded.content, gist=excluded.gist,
			emotional_weight=excluded.emotional_weight, project_id=excluded.project_id,
			tags=excluded.tags, consolidation_state=excluded.consolidation_state,
			encoding_strength=excluded.encoding_strength
	`, m.ID, string(m.Kind), m.Content, m.Gist, m.CreatedAt, nullTime(m.LastAccessedAt), m.AccessCount,
		m.EmotionalWeight, nullableString(m.ProjectID), marshalTags(m.Tags), string(m.ConsolidationState), m.EncodingStrength)
	if err != nil {
		return fmt.Errorf("storage: create memory: %w", err)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLStore) scanMemoryRow(row interface {
	Scan(dest ...interface{}) error
}) (*Memory, error) {
	var m Memory
	var kind, state, projectID, tags sql.NullString
	var lastAccessed sql.NullTime
	if err := row.Scan(&m.ID, &kind, &m.Content, &m.Gist, &m.CreatedAt, &lastAccessed,
		&m.AccessCount, &m.EmotionalWeight, &projectID, &tags, &state, &m.EncodingStrength); err != nil {
		return nil, err
	}
	m.Kind = Kind(kind.String)
	m.ConsolidationState = ConsolidationState(state.String)
	m.ProjectID = projectID.String
	m.Tags = unmarshalTags(tags.String)
	if lastAccessed.Valid {
		t := lastAccessed.Time
		m.LastAccessedAt = &t
	}
	return &m, nil
}

func (s *SQLStore) GetMemory(ctx context.Context, id string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, content, gist, created_at, last_accessed_at, access_count,
			emotional_weight, project_id, tags, consolidation_state, encoding_strength
		FROM memories WHERE id = ?`, id)
	m, err := s.scanMemoryRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get memory: %w", err)
	}
	return m, nil
}

func (s *SQLStore) UpdateMemory(ctx context.Context, m *Memory) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memories SET kind=?, content=?, gist=?, last_accessed_at=?, access_count=?,
			emotional_weight=?, project_id=?, tags=?, consolidation_state=?, encoding_strength=?
		WHERE id=?`,
		string(m.Kind), m.Content, m.Gist, nullTime(m.LastAccessedAt), m.AccessCount,
		m.EmotionalWeight, nullableString(m.ProjectID), marshalTags(m.Tags), string(m.ConsolidationState), m.EncodingStrength, m.ID)
	if err != nil {
		return fmt.Errorf("storage: update memory: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteMemory(ctx context.Context, id string) error {
	// Foreign keys cascade embeddings/access_events; associations have no FK
	// (they're a many-to-many over arbitrary ids) so they're cleaned explicitly.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM associations WHERE source_id=? OR target_id=?`, id, id); err != nil {
		return fmt.Errorf("storage: delete associations: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id=?`, id); err != nil {
		return fmt.Errorf("storage: delete memory: %w", err)
	}
	return nil
}

func (s *SQLStore) CountMemories(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n)
	return n, err
}

func (s *SQLStore) GetAllForRetrieval(ctx context.Context, projectID string) ([]RetrievalRow, error) {
	query := `SELECT id, kind, content, gist, created_at, last_accessed_at, access_count,
		emotional_weight, project_id, tags, consolidation_state, encoding_strength FROM memories`
	var rows *sql.Rows
	var err error
	if projectID != "" {
		rows, err = s.db.QueryContext(ctx, query+" WHERE project_id = ?", projectID)
	} else {
		rows, err = s.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get all for retrieval: %w", err)
	}
	defer rows.Close()

	var out []RetrievalRow
	for rows.Next() {
		m, err := s.scanMemoryRow(rows)
		if err != nil {
			continue
		}
		hist, err := s.GetAccessHistory(ctx, m.ID)
		if err != nil {
			hist = nil
		}
		times := make([]time.Time, len(hist))
		for i, e := range hist {
			times[i] = e.At
		}
		out = append(out, RetrievalRow{Memory: m, Accesses: times})
	}
	return out, rows.Err()
}

// --- Embeddings ---

func (s *SQLStore) ensureVecTable(dim int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.vecAvailable || s.vecDim != 0 {
		return
	}
	stmt := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS memory_vec USING vec0(memory_id TEXT PRIMARY KEY, embedding FLOAT[%d])`, dim)
	if _, err := s.db.Exec(stmt); err != nil {
		logging.Info("storage", "failed to create vec0 table: %v", err)
		s.vecAvailable = false
		return
	}
	s.vecDim = dim
}

func (s *SQLStore) PutEmbedding(ctx context.Context, e *Embedding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (memory_id, vector, model) VALUES (?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET vector=excluded.vector, model=excluded.model`,
		e.MemoryID, marshalVector(e.Vector), e.Model)
	if err != nil {
		return fmt.Errorf("storage: put embedding: %w", err)
	}

	if s.vecAvailable {
		s.ensureVecTable(len(e.Vector))
		if s.vecDim == len(e.Vector) {
			serialized, err := sqlite_vec.SerializeFloat32(e.Vector)
			if err == nil {
				_, _ = s.db.ExecContext(ctx, `INSERT INTO memory_vec (memory_id, embedding) VALUES (?, ?)
					ON CONFLICT(memory_id) DO UPDATE SET embedding=excluded.embedding`, e.MemoryID, serialized)
			}
		}
	}
	return nil
}

func (s *SQLStore) GetEmbedding(ctx context.Context, memoryID string) (*Embedding, error) {
	var vec []byte
	var model sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT vector, model FROM embeddings WHERE memory_id = ?`, memoryID).Scan(&vec, &model)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get embedding: %w", err)
	}
	return &Embedding{MemoryID: memoryID, Vector: unmarshalVector(vec), Model: model.String}, nil
}

func (s *SQLStore) GetAllEmbeddings(ctx context.Context) (map[string]*Embedding, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT memory_id, vector, model FROM embeddings`)
	if err != nil {
		return nil, fmt.Errorf("storage: get all embeddings: %w", err)
	}
	defer rows.Close()
	out := make(map[string]*Embedding)
	for rows.Next() {
		var id string
		var vec []byte
		var model sql.NullString
		if err := rows.Scan(&id, &vec, &model); err != nil {
			continue
		}
		out[id] = &Embedding{MemoryID: id, Vector: unmarshalVector(vec), Model: model.String}
	}
	return out, rows.Err()
}

// --- Access history ---

func (s *SQLStore) RecordAccess(ctx context.Context, memoryID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: record access begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO access_events (memory_id, at) VALUES (?, ?)`, memoryID, at); err != nil {
		return fmt.Errorf("storage: insert access event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`, at, memoryID); err != nil {
		return fmt.Errorf("storage: bump access count: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) GetAccessHistory(ctx context.Context, memoryID string) ([]AccessEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT at FROM access_events WHERE memory_id = ? ORDER BY at DESC`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("storage: get access history: %w", err)
	}
	defer rows.Close()
	var out []AccessEvent
	for rows.Next() {
		var at time.Time
		if err := rows.Scan(&at); err != nil {
			continue
		}
		out = append(out, AccessEvent{MemoryID: memoryID, At: at})
	}
	return out, rows.Err()
}

// --- Associations ---

func (s *SQLStore) Associate(ctx context.Context, src, tgt string, fwd, bwd float64, kind AssociationKind) error {
	k := newAssocKey(src, tgt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO associations (source_id, target_id, forward_strength, backward_strength, kind, last_reinforced)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id) DO UPDATE SET
			forward_strength=excluded.forward_strength, backward_strength=excluded.backward_strength,
			kind=excluded.kind, last_reinforced=excluded.last_reinforced`,
		k.a, k.b, fwd, bwd, string(kind), time.Now())
	if err != nil {
		return fmt.Errorf("storage: associate: %w", err)
	}
	return nil
}

func (s *SQLStore) scanAssociations(rows *sql.Rows) ([]*Association, error) {
	defer rows.Close()
	var out []*Association
	for rows.Next() {
		var a Association
		var kind string
		if err := rows.Scan(&a.SourceID, &a.TargetID, &a.ForwardStrength, &a.BackwardStrength, &kind, &a.LastReinforced); err != nil {
			continue
		}
		a.Kind = AssociationKind(kind)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetAssociations(ctx context.Context, memoryID string) ([]*Association, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, target_id, forward_strength, backward_strength, kind, last_reinforced
		FROM associations WHERE source_id = ? OR target_id = ?`, memoryID, memoryID)
	if err != nil {
		return nil, fmt.Errorf("storage: get associations: %w", err)
	}
	return s.scanAssociations(rows)
}

func (s *SQLStore) GetAllAssociations(ctx context.Context) ([]*Association, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_id, target_id, forward_strength, backward_strength, kind, last_reinforced FROM associations`)
	if err != nil {
		return nil, fmt.Errorf("storage: get all associations: %w", err)
	}
	return s.scanAssociations(rows)
}

func (s *SQLStore) UpdateAssociationStrength(ctx context.Context, src, tgt string, fwd, bwd float64, reinforcedAt time.Time) error {
	k := newAssocKey(src, tgt)
	_, err := s.db.ExecContext(ctx, `
		UPDATE associations SET forward_strength=?, backward_strength=?, last_reinforced=?
		WHERE source_id=? AND target_id=?`, fwd, bwd, reinforcedAt, k.a, k.b)
	if err != nil {
		return fmt.Errorf("storage: update association strength: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteAssociation(ctx context.Context, src, tgt string) error {
	k := newAssocKey(src, tgt)
	_, err := s.db.ExecContext(ctx, `DELETE FROM associations WHERE source_id=? AND target_id=?`, k.a, k.b)
	if err != nil {
		return fmt.Errorf("storage: delete association: %w", err)
	}
	return nil
}

// --- Projects ---

func (s *SQLStore) GetOrCreateProject(ctx context.Context, path, name string) (*Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `SELECT id, path, name, last_active FROM projects WHERE path = ?`, path).
		Scan(&p.ID, &p.Path, &p.Name, &p.LastActive)
	if err == nil {
		return &p, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("storage: get project: %w", err)
	}
	p = Project{ID: uuid.NewString(), Path: path, Name: name, LastActive: time.Now()}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO projects (id, path, name, last_active) VALUES (?, ?, ?, ?)`,
		p.ID, p.Path, p.Name, p.LastActive); err != nil {
		return nil, fmt.Errorf("storage: create project: %w", err)
	}
	return &p, nil
}

func (s *SQLStore) TouchProject(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE projects SET last_active = ? WHERE id = ?`, at, id)
	return err
}

// --- Sessions ---

func (s *SQLStore) GetOrCreateSession(ctx context.Context, projectID string, now time.Time, inactivityTimeout time.Duration) (*Session, error) {
	cutoff := now.Add(-inactivityTimeout)
	var sess Session
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, started_at, last_touched, ended_at FROM sessions
		WHERE project_id = ? AND ended_at IS NULL AND last_touched >= ?
		ORDER BY last_touched DESC LIMIT 1`, projectID, cutoff).
		Scan(&sess.ID, &sess.ProjectID, &sess.StartedAt, &sess.LastTouched, &endedAt)
	if err == nil {
		if err := s.TouchSession(ctx, sess.ID, now); err != nil {
			return nil, err
		}
		sess.LastTouched = now
		return &sess, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("storage: get session: %w", err)
	}

	sess = Session{ID: uuid.NewString(), ProjectID: projectID, StartedAt: now, LastTouched: now}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO sessions (id, project_id, started_at, last_touched) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.ProjectID, sess.StartedAt, sess.LastTouched); err != nil {
		return nil, fmt.Errorf("storage: create session: %w", err)
	}
	return &sess, nil
}

func (s *SQLStore) TouchSession(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_touched = ? WHERE id = ?`, now, id)
	return err
}

func (s *SQLStore) EndSession(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = ? WHERE id = ?`, now, id)
	return err
}

func (s *SQLStore) GetMemoryIDsInSession(ctx context.Context, sessionID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT memory_id FROM session_members WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("storage: get session members: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			out[id] = true
		}
	}
	return out, rows.Err()
}

func (s *SQLStore) AddMemoryToSession(ctx context.Context, sessionID, memoryID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO session_members (session_id, memory_id) VALUES (?, ?)`, sessionID, memoryID)
	return err
}

func (s *SQLStore) PruneExpiredSessions(ctx context.Context, now time.Time, inactivityTimeout time.Duration) (int, error) {
	cutoff := now.Add(-inactivityTimeout)
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET ended_at = last_touched WHERE ended_at IS NULL AND last_touched < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: prune expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Locations ---

func (s *SQLStore) GetOrCreateLocation(ctx context.Context, projectID, path string) (*Location, error) {
	var loc Location
	var lastAccessed sql.NullTime
	var pinned int
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, path, familiarity, access_count, pinned, last_accessed, summarized_contexts
		FROM locations WHERE project_id = ? AND path = ?`, projectID, path).
		Scan(&loc.ProjectID, &loc.Path, &loc.Familiarity, &loc.AccessCount, &pinned, &lastAccessed, &loc.SummarizedContexts)
	if err == nil {
		loc.Pinned = pinned != 0
		if lastAccessed.Valid {
			loc.LastAccessed = lastAccessed.Time
		}
		return &loc, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("storage: get location: %w", err)
	}
	loc = Location{ProjectID: projectID, Path: path}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO locations (project_id, path) VALUES (?, ?)`, projectID, path); err != nil {
		return nil, fmt.Errorf("storage: create location: %w", err)
	}
	return &loc, nil
}

func (s *SQLStore) RecordLocationAccess(ctx context.Context, projectID, path string, ctxRecord AccessContext) error {
	if _, err := s.GetOrCreateLocation(ctx, projectID, path); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: record location access begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE locations SET access_count = access_count + 1, last_accessed = ?,
			familiarity = familiarity + (1 - familiarity) * 0.2
		WHERE project_id = ? AND path = ?`, ctxRecord.At, projectID, path); err != nil {
		return fmt.Errorf("storage: update location: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO location_contexts (project_id, path, activity, source, was_direct_access, task_context, session_id, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		projectID, path, string(ctxRecord.Activity), string(ctxRecord.Source), ctxRecord.WasDirectAccess,
		ctxRecord.TaskContext, ctxRecord.SessionID, ctxRecord.At); err != nil {
		return fmt.Errorf("storage: insert location context: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) SetLocationPinned(ctx context.Context, projectID, path string, pinned bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE locations SET pinned = ? WHERE project_id = ? AND path = ?`, pinned, projectID, path)
	return err
}

// SummarizeOldLocationContexts implements spec §4.7 step 7: access-context
// rows older than cutoff are counted per location, folded into
// summarized_contexts, and deleted — their contribution to familiarity and
// access_count is already durable on the locations row.
func (s *SQLStore) SummarizeOldLocationContexts(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: summarize location contexts begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT project_id, path, COUNT(*) FROM location_contexts
		WHERE at < ? GROUP BY project_id, path`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: find stale location contexts: %w", err)
	}
	type staleGroup struct {
		projectID, path string
		count           int
	}
	var groups []staleGroup
	for rows.Next() {
		var g staleGroup
		if err := rows.Scan(&g.projectID, &g.path, &g.count); err != nil {
			rows.Close()
			return 0, fmt.Errorf("storage: scan stale location context group: %w", err)
		}
		groups = append(groups, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	total := 0
	for _, g := range groups {
		if _, err := tx.ExecContext(ctx, `
			UPDATE locations SET summarized_contexts = summarized_contexts + ?
			WHERE project_id = ? AND path = ?`, g.count, g.projectID, g.path); err != nil {
			return 0, fmt.Errorf("storage: update summarized_contexts: %w", err)
		}
		total += g.count
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM location_contexts WHERE at < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("storage: delete stale location contexts: %w", err)
	}

	return total, tx.Commit()
}

// --- Episodes ---

func (s *SQLStore) GetActiveEpisode(ctx context.Context, projectID string) (*Episode, error) {
	var ep Episode
	var endedAt sql.NullTime
	var reason sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, started_at, ended_at, boundary_reason FROM episodes
		WHERE project_id = ? AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`, projectID).
		Scan(&ep.ID, &ep.ProjectID, &ep.StartedAt, &endedAt, &reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get active episode: %w", err)
	}
	ep.BoundaryReason = reason.String
	return &ep, nil
}

func (s *SQLStore) CreateEpisode(ctx context.Context, e *Episode) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO episodes (id, project_id, started_at, boundary_reason) VALUES (?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.StartedAt, e.BoundaryReason)
	if err != nil {
		return fmt.Errorf("storage: create episode: %w", err)
	}
	return nil
}

func (s *SQLStore) SealEpisode(ctx context.Context, episodeID string, endedAt time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE episodes SET ended_at = ?, boundary_reason = ? WHERE id = ?`, endedAt, reason, episodeID)
	if err != nil {
		return fmt.Errorf("storage: seal episode: %w", err)
	}
	return nil
}

func (s *SQLStore) AppendEpisodeEvent(ctx context.Context, ev EpisodeEvent) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO episode_events (episode_id, memory_id, position, at) VALUES (?, ?, ?, ?)`,
		ev.EpisodeID, ev.MemoryID, ev.Position, ev.At)
	if err != nil {
		return fmt.Errorf("storage: append episode event: %w", err)
	}
	return nil
}

func (s *SQLStore) GetRecentEpisodes(ctx context.Context, projectID string, limit int) ([]*Episode, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, project_id, started_at, ended_at, boundary_reason FROM episodes`
	args := []interface{}{}
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: get recent episodes: %w", err)
	}
	defer rows.Close()
	var out []*Episode
	for rows.Next() {
		var ep Episode
		var endedAt sql.NullTime
		var reason sql.NullString
		if err := rows.Scan(&ep.ID, &ep.ProjectID, &ep.StartedAt, &endedAt, &reason); err != nil {
			continue
		}
		if endedAt.Valid {
			t := endedAt.Time
			ep.EndedAt = &t
		}
		ep.BoundaryReason = reason.String
		out = append(out, &ep)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetEpisodeEvents(ctx context.Context, episodeID string) ([]EpisodeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT episode_id, memory_id, position, at FROM episode_events WHERE episode_id = ? ORDER BY position`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("storage: get episode events: %w", err)
	}
	defer rows.Close()
	var out []EpisodeEvent
	for rows.Next() {
		var ev EpisodeEvent
		if err := rows.Scan(&ev.EpisodeID, &ev.MemoryID, &ev.Position, &ev.At); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetEventCountForEpisode(ctx context.Context, episodeID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM episode_events WHERE episode_id = ?`, episodeID).Scan(&n)
	return n, err
}

func (s *SQLStore) GetEventsForMemory(ctx context.Context, memoryID string) ([]EpisodeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT episode_id, memory_id, position, at FROM episode_events WHERE memory_id = ?`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("storage: get events for memory: %w", err)
	}
	defer rows.Close()
	var out []EpisodeEvent
	for rows.Next() {
		var ev EpisodeEvent
		if err := rows.Scan(&ev.EpisodeID, &ev.MemoryID, &ev.Position, &ev.At); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Temporal links ---

func (s *SQLStore) AddTemporalLink(ctx context.Context, l TemporalLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO temporal_links (episode_id, from_pos, to_pos, forward_strength, backward_strength, distance)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(episode_id, from_pos, to_pos) DO UPDATE SET
			forward_strength=excluded.forward_strength, backward_strength=excluded.backward_strength`,
		l.EpisodeID, l.FromEventPos, l.ToEventPos, l.ForwardStrength, l.BackwardStrength, l.Distance)
	if err != nil {
		return fmt.Errorf("storage: add temporal link: %w", err)
	}
	return nil
}

func (s *SQLStore) GetEpisodeTemporalLinks(ctx context.Context, episodeID string) ([]TemporalLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT episode_id, from_pos, to_pos, forward_strength, backward_strength, distance
		FROM temporal_links WHERE episode_id = ?`, episodeID)
	if err != nil {
		return nil, fmt.Errorf("storage: get temporal links: %w", err)
	}
	defer rows.Close()
	var out []TemporalLink
	for rows.Next() {
		var l TemporalLink
		if err := rows.Scan(&l.EpisodeID, &l.FromEventPos, &l.ToEventPos, &l.ForwardStrength, &l.BackwardStrength, &l.Distance); err != nil {
			continue
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Visual memories ---

func (s *SQLStore) CreateVisualMemory(ctx context.Context, v *VisualMemory) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.ConsolidationState == "" {
		v.ConsolidationState = StateFresh
	}
	if v.EncodingStrength == 0 {
		v.EncodingStrength = 1.0
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	objects, _ := json.Marshal(v.Objects)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO visual_memories (id, kind, content, gist, created_at, last_accessed_at, access_count,
			emotional_weight, project_id, tags, consolidation_state, encoding_strength,
			media, description, objects, significance, emotional_valence, emotional_arousal, shared_by, source_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, string(v.Kind), v.Content, v.Gist, v.CreatedAt, nullTime(v.LastAccessedAt), v.AccessCount,
		v.EmotionalWeight, nullableString(v.ProjectID), marshalTags(v.Tags), string(v.ConsolidationState), v.EncodingStrength,
		string(v.Media), v.Description, string(objects), v.Significance, v.EmotionalValence, v.EmotionalArousal, v.SharedBy, v.SourcePath)
	if err != nil {
		return fmt.Errorf("storage: create visual memory: %w", err)
	}
	return nil
}

func (s *SQLStore) scanVisualRow(row interface{ Scan(dest ...interface{}) error }) (*VisualMemory, error) {
	var v VisualMemory
	var kind, state, projectID, tags, objects, media sql.NullString
	var lastAccessed sql.NullTime
	if err := row.Scan(&v.ID, &kind, &v.Content, &v.Gist, &v.CreatedAt, &lastAccessed, &v.AccessCount,
		&v.EmotionalWeight, &projectID, &tags, &state, &v.EncodingStrength,
		&media, &v.Description, &objects, &v.Significance, &v.EmotionalValence, &v.EmotionalArousal, &v.SharedBy, &v.SourcePath); err != nil {
		return nil, err
	}
	v.Kind = Kind(kind.String)
	v.ConsolidationState = ConsolidationState(state.String)
	v.ProjectID = projectID.String
	v.Tags = unmarshalTags(tags.String)
	v.Media = MediaKind(media.String)
	if objects.Valid {
		_ = json.Unmarshal([]byte(objects.String), &v.Objects)
	}
	if lastAccessed.Valid {
		t := lastAccessed.Time
		v.LastAccessedAt = &t
	}
	return &v, nil
}

func (s *SQLStore) GetVisualMemory(ctx context.Context, id string) (*VisualMemory, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, content, gist, created_at, last_accessed_at, access_count,
			emotional_weight, project_id, tags, consolidation_state, encoding_strength,
			media, description, objects, significance, emotional_valence, emotional_arousal, shared_by, source_path
		FROM visual_memories WHERE id = ?`, id)
	v, err := s.scanVisualRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get visual memory: %w", err)
	}
	return v, nil
}

func (s *SQLStore) GetAllVisualForRetrieval(ctx context.Context, projectID string) ([]RetrievalRow, error) {
	query := `SELECT id, kind, content, gist, created_at, last_accessed_at, access_count,
		emotional_weight, project_id, tags, consolidation_state, encoding_strength,
		media, description, objects, significance, emotional_valence, emotional_arousal, shared_by, source_path
		FROM visual_memories`
	var rows *sql.Rows
	var err error
	if projectID != "" {
		rows, err = s.db.QueryContext(ctx, query+" WHERE project_id = ?", projectID)
	} else {
		rows, err = s.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get all visual for retrieval: %w", err)
	}
	defer rows.Close()
	var out []RetrievalRow
	for rows.Next() {
		v, err := s.scanVisualRow(rows)
		if err != nil {
			continue
		}
		hist, _ := s.GetAccessHistory(ctx, v.ID)
		times := make([]time.Time, len(hist))
		for i, e := range hist {
			times[i] = e.At
		}
		out = append(out, RetrievalRow{Memory: &v.Memory, Accesses: times})
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteVisualMemory(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM visual_memories WHERE id = ?`, id)
	return err
}

// --- Maintenance ---

func (s *SQLStore) EvictOldest(ctx context.Context, cap int) (int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&total); err != nil {
		return 0, fmt.Errorf("storage: count memories: %w", err)
	}
	if total <= cap {
		return 0, nil
	}
	toEvict := total - cap

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM memories
		ORDER BY COALESCE(last_accessed_at, created_at) ASC, access_count ASC
		LIMIT ?`, toEvict)
	if err != nil {
		return 0, fmt.Errorf("storage: select eviction candidates: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()

	evicted := 0
	for _, id := range ids {
		if err := s.DeleteMemory(ctx, id); err != nil {
			logging.Info("storage", "eviction failed for %s: %v", id, err)
			continue
		}
		evicted++
	}
	return evicted, nil
}

// --- Vector search helpers exposed for the association graph / activation engine ---

// MinSimilarityThreshold bounds the KNN pre-filter used by FindSimilar.
const MinSimilarityThreshold = 0.3

// FindSimilar returns up to topK memory IDs whose embedding has cosine
// similarity >= MinSimilarityThreshold to queryEmb, using the vec0 index
// when available and falling back to an exact O(n) scan otherwise — this
// scan is the conformant path per spec §1's "exact dot products... are
// acceptable at the target scale" non-goal.
func (s *SQLStore) FindSimilar(ctx context.Context, queryEmb []float32, topK int) ([]string, error) {
	if s.vecAvailable && s.vecDim > 0 && len(queryEmb) == s.vecDim {
		ids, err := s.findSimilarVec(ctx, queryEmb, topK)
		if err == nil {
			return ids, nil
		}
	}
	return s.findSimilarScan(ctx, queryEmb, topK)
}

func (s *SQLStore) findSimilarVec(ctx context.Context, queryEmb []float32, topK int) ([]string, error) {
	serialized, err := sqlite_vec.SerializeFloat32(queryEmb)
	if err != nil {
		return nil, err
	}
	maxL2 := cosineDistToL2(1.0 - MinSimilarityThreshold)
	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, distance FROM memory_vec WHERE embedding MATCH ? AND k = ? ORDER BY distance ASC`,
		serialized, topK*3)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		var dist float64
		if err := rows.Scan(&id, &dist); err != nil {
			continue
		}
		if dist > maxL2 {
			break
		}
		out = append(out, id)
		if len(out) >= topK {
			break
		}
	}
	return out, rows.Err()
}

func (s *SQLStore) findSimilarScan(ctx context.Context, queryEmb []float32, topK int) ([]string, error) {
	all, err := s.GetAllEmbeddings(ctx)
	if err != nil {
		return nil, err
	}
	type scored struct {
		id  string
		sim float64
	}
	var candidates []scored
	for id, e := range all {
		sim := cosine32(queryEmb, e.Vector)
		if sim >= MinSimilarityThreshold {
			candidates = append(candidates, scored{id, sim})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })
	out := make([]string, 0, topK)
	for i := 0; i < len(candidates) && i < topK; i++ {
		out = append(out, candidates[i].id)
	}
	return out, nil
}

func cosine32(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// cosineDistToL2 converts a cosine distance (1 - cosine similarity) to the
// equivalent L2 distance threshold for unit-normalized vectors:
// ‖a-b‖² = 2 - 2·cos(a,b) = 2·cosine_dist, so L2 = sqrt(2 * cosine_dist).
func cosineDistToL2(cosineDist float64) float64 {
	if cosineDist < 0 {
		cosineDist = 0
	}
	return math.Sqrt(2 * cosineDist)
}
