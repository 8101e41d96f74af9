package store

import (
	"context"
	"fmt"
)

// EnsureAlgorithm looks up or creates the algorithm row for a name and
// returns its id. The name is the stable key; the lookup-or-create is
// atomic through the unique index, and results are cached in memory
// because ingestion asks for the same handful of names millions of
// times. Ids resolved inside a transaction enter the cache only once
// that transaction commits.
func (s *Store) EnsureAlgorithm(ctx context.Context, q querier, name string) (int64, error) {
	s.mu.Lock()
	id, ok := s.algCache.get(q, name)
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	if _, err := q.ExecContext(ctx,
		s.rebind(`INSERT INTO algorithm (name) VALUES (?) ON CONFLICT (name) DO NOTHING`),
		name,
	); err != nil {
		return 0, fmt.Errorf("insert algorithm %q: %w", name, err)
	}

	if err := q.QueryRowContext(ctx,
		s.rebind(`SELECT id FROM algorithm WHERE name = ?`), name,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("select algorithm %q: %w", name, err)
	}

	s.mu.Lock()
	s.algCache.put(q, name, id)
	s.mu.Unlock()

	return id, nil
}

// ListAlgorithms returns all algorithm names ordered by name.
func (s *Store) ListAlgorithms(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM algorithm ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list algorithms: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}

	return names, rows.Err()
}
