package postgres

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mrmd/orchestrator/internal/domain/catalog"
	"github.com/mrmd/orchestrator/internal/domain/document"
	"github.com/mrmd/orchestrator/internal/domain/machine"
)

// catalogBatchSize bounds how many single-row INSERT statements SyncCatalog
// queues into one pgx.Batch round trip.
const catalogBatchSize = 500

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Documents ---

func (s *Store) LoadDocument(ctx context.Context, userID, project, docPath string) (*document.Document, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT user_id, project, doc_path, yjs_state, content_text, content_hash, byte_size, updated_at, created_at
		 FROM documents WHERE user_id = $1 AND project = $2 AND doc_path = $3`,
		userID, project, docPath)

	d, err := scanDocument(row)
	if err != nil {
		return nil, notFoundWrap(err, "load document %s/%s/%s", userID, project, docPath)
	}
	return &d, nil
}

func (s *Store) SaveDocument(ctx context.Context, userID, project, docPath string, yjsState []byte, contentText string) error {
	sum := md5.Sum([]byte(contentText))
	hash := hex.EncodeToString(sum[:])

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO documents (user_id, project, doc_path, yjs_state, content_text, content_hash, byte_size, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 ON CONFLICT (user_id, project, doc_path) DO UPDATE
		 SET yjs_state = EXCLUDED.yjs_state,
		     content_text = EXCLUDED.content_text,
		     content_hash = EXCLUDED.content_hash,
		     byte_size = EXCLUDED.byte_size,
		     updated_at = NOW()`,
		userID, project, docPath, yjsState, contentText, hash, len(yjsState))
	return execExpectOne(tag, err, "save document %s/%s/%s", userID, project, docPath)
}

func (s *Store) ListUserDocuments(ctx context.Context, userID string) ([]document.Summary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT project, doc_path, content_hash, byte_size, updated_at
		 FROM documents WHERE user_id = $1 ORDER BY project, doc_path`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user documents: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func (s *Store) ListProjectDocuments(ctx context.Context, userID, project string) ([]document.Summary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT project, doc_path, content_hash, byte_size, updated_at
		 FROM documents WHERE user_id = $1 AND project = $2 ORDER BY doc_path`, userID, project)
	if err != nil {
		return nil, fmt.Errorf("list project documents: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

func (s *Store) ListUserDocumentsFull(ctx context.Context, userID string) ([]document.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, project, doc_path, yjs_state, content_text, content_hash, byte_size, updated_at, created_at
		 FROM documents WHERE user_id = $1 ORDER BY project, doc_path`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user documents full: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func (s *Store) ListProjectDocumentsFull(ctx context.Context, userID, project string) ([]document.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, project, doc_path, yjs_state, content_text, content_hash, byte_size, updated_at, created_at
		 FROM documents WHERE user_id = $1 AND project = $2 ORDER BY doc_path`, userID, project)
	if err != nil {
		return nil, fmt.Errorf("list project documents full: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// --- Machines ---

func (s *Store) UpsertMachine(ctx context.Context, m *machine.Machine) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO machines (user_id, machine_id, machine_name, hostname, capabilities, status, last_seen, connected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		 ON CONFLICT (user_id, machine_id) DO UPDATE
		 SET machine_name = EXCLUDED.machine_name,
		     hostname = EXCLUDED.hostname,
		     capabilities = EXCLUDED.capabilities,
		     status = EXCLUDED.status,
		     last_seen = NOW(),
		     connected_at = CASE WHEN machines.status = 'offline' THEN NOW() ELSE machines.connected_at END`,
		m.UserID, m.MachineID, m.MachineName, m.Hostname, pgTextArray(m.Capabilities), string(m.Status))
	if err != nil {
		return fmt.Errorf("upsert machine %s/%s: %w", m.UserID, m.MachineID, err)
	}
	return nil
}

func (s *Store) SetMachineOffline(ctx context.Context, userID, machineID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE machines SET status = $3, last_seen = NOW() WHERE user_id = $1 AND machine_id = $2`,
		userID, machineID, string(machine.StatusOffline))
	return execExpectOne(tag, err, "set machine offline %s/%s", userID, machineID)
}

func (s *Store) ListMachines(ctx context.Context, userID string) ([]machine.Machine, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, machine_id, machine_name, hostname, capabilities, status, last_seen, connected_at
		 FROM machines WHERE user_id = $1 ORDER BY machine_name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	var machines []machine.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

// --- Catalog ---

func (s *Store) SyncCatalog(ctx context.Context, userID, machineID string, entries []catalog.Entry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("sync catalog %s/%s: begin: %w", userID, machineID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM catalog WHERE user_id = $1 AND machine_id = $2`, userID, machineID); err != nil {
		return fmt.Errorf("sync catalog %s/%s: delete: %w", userID, machineID, err)
	}

	for start := 0; start < len(entries); start += catalogBatchSize {
		end := min(start+catalogBatchSize, len(entries))
		batch := &pgx.Batch{}
		for _, e := range entries[start:end] {
			batch.Queue(
				`INSERT INTO catalog (user_id, machine_id, project, doc_path, content_hash, byte_size, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
				userID, machineID, e.Project, e.DocPath, e.ContentHash, e.ByteSize)
		}
		br := tx.SendBatch(ctx, batch)
		for range batch.Len() {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("sync catalog %s/%s: insert batch: %w", userID, machineID, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("sync catalog %s/%s: close batch: %w", userID, machineID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("sync catalog %s/%s: commit: %w", userID, machineID, err)
	}
	return nil
}

func (s *Store) ListCatalog(ctx context.Context, userID, project string) ([]catalog.Entry, error) {
	var rows pgx.Rows
	var err error
	if project == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT user_id, machine_id, project, doc_path, content_hash, byte_size, updated_at
			 FROM catalog WHERE user_id = $1 ORDER BY machine_id, project, doc_path`, userID)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT user_id, machine_id, project, doc_path, content_hash, byte_size, updated_at
			 FROM catalog WHERE user_id = $1 AND project = $2 ORDER BY machine_id, doc_path`, userID, project)
	}
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	defer rows.Close()

	var entries []catalog.Entry
	for rows.Next() {
		e, err := scanCatalogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Scanners ---

func scanDocument(row scannable) (document.Document, error) {
	var d document.Document
	err := row.Scan(&d.UserID, &d.Project, &d.DocPath, &d.YjsState, &d.ContentText, &d.ContentHash, &d.ByteSize, &d.UpdatedAt, &d.CreatedAt)
	return d, err
}

func scanDocuments(rows pgx.Rows) ([]document.Document, error) {
	var out []document.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanSummaries(rows pgx.Rows) ([]document.Summary, error) {
	var out []document.Summary
	for rows.Next() {
		var sum document.Summary
		if err := rows.Scan(&sum.Project, &sum.DocPath, &sum.ContentHash, &sum.ByteSize, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func scanMachine(row scannable) (machine.Machine, error) {
	var m machine.Machine
	var status string
	err := row.Scan(&m.UserID, &m.MachineID, &m.MachineName, &m.Hostname, &m.Capabilities, &status, &m.LastSeen, &m.ConnectedAt)
	m.Status = machine.Status(status)
	return m, err
}

func scanCatalogEntry(row scannable) (catalog.Entry, error) {
	var e catalog.Entry
	err := row.Scan(&e.UserID, &e.MachineID, &e.Project, &e.DocPath, &e.ContentHash, &e.ByteSize, &e.UpdatedAt)
	return e, err
}
