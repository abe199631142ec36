// Package mirror syncs the local evidence chain to a Postgres target
// and compares the two. The mirror may lag or diverge; divergence is a
// reported finding and the only remediation path is the human-triggered
// export/reconciliation flow — never an automatic repair.
package mirror

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gatekernel/pkg/domain"
	"gatekernel/pkg/evidence"
)

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// MustConnect reads MIRROR_DATABASE_URL and panics when it is missing;
// the mirror is only constructed when the deployment opts in.
func MustConnect() *pgxpool.Pool {
	dsn := os.Getenv("MIRROR_DATABASE_URL")
	if dsn == "" {
		panic("MIRROR_DATABASE_URL is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		panic(err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		panic(err)
	}
	return pool
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `CREATE TABLE IF NOT EXISTS evidence_mirror (
  idx          bigint PRIMARY KEY,
  entry_id     text NOT NULL,
  created_at   timestamptz NOT NULL,
  entry_type   text NOT NULL,
  subject_id   text NOT NULL,
  payload_hash text NOT NULL,
  prev_hash    text NOT NULL,
  entry_hash   text NOT NULL
)`)
	return err
}

// Push uploads entries starting at the mirror's current length. Already
// mirrored indexes are left untouched: the mirror is append-only too.
func (s *Store) Push(ctx context.Context, entries []evidence.Entry) error {
	for i, e := range entries {
		_, err := s.DB.Exec(ctx, `INSERT INTO evidence_mirror(idx,entry_id,created_at,entry_type,subject_id,payload_hash,prev_hash,entry_hash)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (idx) DO NOTHING`,
			i, e.ID, e.CreatedAt, e.Type, e.SubjectID, e.PayloadHash, e.PrevHash, e.EntryHash)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Entries(ctx context.Context) ([]evidence.Entry, error) {
	rows, err := s.DB.Query(ctx, `SELECT entry_id,created_at,entry_type,subject_id,payload_hash,prev_hash,entry_hash
FROM evidence_mirror ORDER BY idx ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []evidence.Entry
	for rows.Next() {
		var e evidence.Entry
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.Type, &e.SubjectID, &e.PayloadHash, &e.PrevHash, &e.EntryHash); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type DivergenceReport struct {
	Diverged       bool `json:"diverged"`
	FirstDivergent int  `json:"first_divergent_index"`
	LocalEntries   int  `json:"local_entries"`
	MirrorEntries  int  `json:"mirror_entries"`
}

// Compare checks the mirror against the local chain hash-by-hash. A
// shorter mirror is lag, not divergence; a mismatched hash is
// divergence at that index.
func Compare(local, mirrored []evidence.Entry) DivergenceReport {
	report := DivergenceReport{
		FirstDivergent: -1,
		LocalEntries:   len(local),
		MirrorEntries:  len(mirrored),
	}
	for i, m := range mirrored {
		if i >= len(local) || local[i].EntryHash != m.EntryHash {
			report.Diverged = true
			report.FirstDivergent = i
			return report
		}
	}
	return report
}

// Err converts a divergent report into the taxonomy error.
func (r DivergenceReport) Err() error {
	if !r.Diverged {
		return nil
	}
	return &domain.MirrorDivergenceError{Index: r.FirstDivergent}
}
