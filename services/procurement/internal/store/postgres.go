package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tar-ive/imaginecup2026-sub001/pkg/domain"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/checkpoint"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/mandate"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/negotiation"
	"github.com/Tar-ive/imaginecup2026-sub001/services/procurement/internal/workflow"
)

// Postgres implements every domain store interface on a pgx pool.
// Nested structures ride in jsonb columns; status columns stay relational
// so compare-and-set transitions run as guarded UPDATEs.
type Postgres struct{ DB *pgxpool.Pool }

func NewPostgres(db *pgxpool.Pool) *Postgres { return &Postgres{DB: db} }

// Migrate creates the schema. Idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS negotiation_sessions (
  session_id   text PRIMARY KEY,
  status       text NOT NULL,
  body         jsonb NOT NULL
);
CREATE TABLE IF NOT EXISTS negotiation_rounds (
  round_id     text PRIMARY KEY,
  session_id   text NOT NULL REFERENCES negotiation_sessions(session_id),
  round_number int NOT NULL,
  body         jsonb NOT NULL,
  UNIQUE (session_id, round_number)
);
CREATE TABLE IF NOT EXISTS checkpoints (
  checkpoint_id text PRIMARY KEY,
  run_id        text NOT NULL,
  resolution    text NOT NULL,
  created_at    timestamptz NOT NULL,
  body          jsonb NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS checkpoints_open_run_idx ON checkpoints(run_id) WHERE resolution = 'pending';
CREATE TABLE IF NOT EXISTS mandates (
  mandate_id text PRIMARY KEY,
  status     text NOT NULL,
  body       jsonb NOT NULL
);
CREATE TABLE IF NOT EXISTS workflow_runs (
  run_id     text PRIMARY KEY,
  status     text NOT NULL,
  created_at timestamptz NOT NULL,
  body       jsonb NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_entries (
  audit_id text PRIMARY KEY,
  run_id   text NOT NULL,
  at       timestamptz NOT NULL,
  body     jsonb NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_run_idx ON audit_entries(run_id);
`

func scanBody[T any](row pgx.Row, entity, id string) (*T, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NotFoundError{Entity: entity, ID: id}
		}
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(body, out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- negotiation.Store ---

func (s *Postgres) CreateSession(ctx context.Context, sess *negotiation.Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `INSERT INTO negotiation_sessions(session_id,status,body) VALUES($1,$2,$3::jsonb)`,
		sess.ID, string(sess.Status), string(b))
	return err
}

func (s *Postgres) GetSession(ctx context.Context, id string) (*negotiation.Session, error) {
	row := s.DB.QueryRow(ctx, `SELECT body FROM negotiation_sessions WHERE session_id=$1`, id)
	return scanBody[negotiation.Session](row, "session", id)
}

func (s *Postgres) UpdateSession(ctx context.Context, sess *negotiation.Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	tag, err := s.DB.Exec(ctx, `UPDATE negotiation_sessions SET status=$2, body=$3::jsonb WHERE session_id=$1`,
		sess.ID, string(sess.Status), string(b))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Entity: "session", ID: sess.ID}
	}
	return nil
}

func (s *Postgres) CreateRound(ctx context.Context, r *negotiation.Round) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `INSERT INTO negotiation_rounds(round_id,session_id,round_number,body) VALUES($1,$2,$3,$4::jsonb)`,
		r.ID, r.SessionID, r.Number, string(b))
	return err
}

func (s *Postgres) UpdateRound(ctx context.Context, r *negotiation.Round) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	tag, err := s.DB.Exec(ctx, `UPDATE negotiation_rounds SET body=$2::jsonb WHERE round_id=$1`, r.ID, string(b))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Entity: "round", ID: r.ID}
	}
	return nil
}

func (s *Postgres) ListRounds(ctx context.Context, sessionID string) ([]*negotiation.Round, error) {
	rows, err := s.DB.Query(ctx, `SELECT body FROM negotiation_rounds WHERE session_id=$1 ORDER BY round_number ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*negotiation.Round
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		r := new(negotiation.Round)
		if err := json.Unmarshal(body, r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- checkpoint.Store ---

// CreateCheckpoint inserts the checkpoint. The partial unique index on
// run_id enforces at most one pending checkpoint per run; a violation
// surfaces as InvalidStateError.
func (s *Postgres) CreateCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	b, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `INSERT INTO checkpoints(checkpoint_id,run_id,resolution,created_at,body) VALUES($1,$2,$3,$4,$5::jsonb)`,
		cp.ID, cp.RunID, string(cp.Resolution), cp.CreatedAt, string(b))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return &domain.InvalidStateError{Entity: "checkpoint", ID: cp.RunID, Status: "pending", Op: "create"}
	}
	return err
}

func (s *Postgres) GetCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	row := s.DB.QueryRow(ctx, `SELECT body FROM checkpoints WHERE checkpoint_id=$1`, id)
	return scanBody[checkpoint.Checkpoint](row, "checkpoint", id)
}

func (s *Postgres) ResolveCheckpoint(ctx context.Context, id string, resolution checkpoint.Resolution, reviewer, note string, at time.Time) (bool, error) {
	cp, err := s.GetCheckpoint(ctx, id)
	if err != nil {
		return false, err
	}
	cp.Resolution = resolution
	cp.Reviewer = reviewer
	cp.Note = note
	resolvedAt := at
	cp.ResolvedAt = &resolvedAt
	b, err := json.Marshal(cp)
	if err != nil {
		return false, err
	}
	tag, err := s.DB.Exec(ctx,
		`UPDATE checkpoints SET resolution=$2, body=$3::jsonb WHERE checkpoint_id=$1 AND resolution='pending'`,
		id, string(resolution), string(b))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) OpenCheckpointForRun(ctx context.Context, runID string) (*checkpoint.Checkpoint, error) {
	row := s.DB.QueryRow(ctx, `SELECT body FROM checkpoints WHERE run_id=$1 AND resolution='pending'`, runID)
	return scanBody[checkpoint.Checkpoint](row, "pending checkpoint for run", runID)
}

func (s *Postgres) ListPendingCheckpoints(ctx context.Context) ([]*checkpoint.Checkpoint, error) {
	rows, err := s.DB.Query(ctx, `SELECT body FROM checkpoints WHERE resolution='pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*checkpoint.Checkpoint
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		cp := new(checkpoint.Checkpoint)
		if err := json.Unmarshal(body, cp); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// --- mandate.Store ---

func (s *Postgres) CreateMandate(ctx context.Context, m *mandate.Mandate) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `INSERT INTO mandates(mandate_id,status,body) VALUES($1,$2,$3::jsonb)`,
		m.ID, string(m.Status), string(b))
	return err
}

func (s *Postgres) GetMandate(ctx context.Context, id string) (*mandate.Mandate, error) {
	row := s.DB.QueryRow(ctx, `SELECT body FROM mandates WHERE mandate_id=$1`, id)
	return scanBody[mandate.Mandate](row, "mandate", id)
}

func (s *Postgres) UpdateMandate(ctx context.Context, m *mandate.Mandate) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tag, err := s.DB.Exec(ctx, `UPDATE mandates SET status=$2, body=$3::jsonb WHERE mandate_id=$1`,
		m.ID, string(m.Status), string(b))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Entity: "mandate", ID: m.ID}
	}
	return nil
}

func (s *Postgres) CompareAndSetMandateStatus(ctx context.Context, id string, from []mandate.Status, to mandate.Status) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}
	tag, err := s.DB.Exec(ctx,
		`UPDATE mandates SET status=$2, body=jsonb_set(body,'{status}',to_jsonb($2::text)) WHERE mandate_id=$1 AND status=ANY($3)`,
		id, string(to), fromStrs)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM mandates WHERE mandate_id=$1)`, id).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, &domain.NotFoundError{Entity: "mandate", ID: id}
		}
		return false, nil
	}
	return true, nil
}

// --- workflow.Store ---

func (s *Postgres) CreateRun(ctx context.Context, r *workflow.Run) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `INSERT INTO workflow_runs(run_id,status,created_at,body) VALUES($1,$2,$3,$4::jsonb)`,
		r.ID, string(r.Status), r.CreatedAt, string(b))
	return err
}

func (s *Postgres) GetRun(ctx context.Context, id string) (*workflow.Run, error) {
	row := s.DB.QueryRow(ctx, `SELECT body FROM workflow_runs WHERE run_id=$1`, id)
	return scanBody[workflow.Run](row, "run", id)
}

func (s *Postgres) UpdateRun(ctx context.Context, r *workflow.Run) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	tag, err := s.DB.Exec(ctx, `UPDATE workflow_runs SET status=$2, body=$3::jsonb WHERE run_id=$1`,
		r.ID, string(r.Status), string(b))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &domain.NotFoundError{Entity: "run", ID: r.ID}
	}
	return nil
}

func (s *Postgres) ListRuns(ctx context.Context, limit int) ([]*workflow.Run, error) {
	q := `SELECT body FROM workflow_runs ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*workflow.Run
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		r := new(workflow.Run)
		if err := json.Unmarshal(body, r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) AppendAudit(ctx context.Context, e *workflow.AuditEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `INSERT INTO audit_entries(audit_id,run_id,at,body) VALUES($1,$2,$3,$4::jsonb)`,
		e.ID, e.RunID, e.At, string(b))
	return err
}

func (s *Postgres) ListAudit(ctx context.Context, runID string) ([]*workflow.AuditEntry, error) {
	rows, err := s.DB.Query(ctx, `SELECT body FROM audit_entries WHERE run_id=$1 ORDER BY at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*workflow.AuditEntry
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		e := new(workflow.AuditEntry)
		if err := json.Unmarshal(body, e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
