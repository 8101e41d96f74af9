package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// CanonicalHostname normalizes a reported hostname: trimmed, lowercased,
// spaces collapsed to dashes. Raw captures report transient spellings of
// the same physical device; canonicalization is what makes hostnames
// comparable at all.
func CanonicalHostname(hostname string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.TrimSpace(hostname)), "-"))
}

// EnsureDevice looks up or creates the device row for a hostname and
// returns its id. The insert races benignly with concurrent ingestion
// runs: the unique index on hostname rejects the loser, which then reads
// the winner's row. Ids resolved inside a transaction are cached only
// once that transaction commits.
func (s *Store) EnsureDevice(ctx context.Context, q querier, hostname string) (int64, error) {
	host := CanonicalHostname(hostname)

	s.mu.Lock()
	id, ok := s.devCache.get(q, host)
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	if _, err := q.ExecContext(ctx,
		s.rebind(`INSERT INTO device (hostname) VALUES (?) ON CONFLICT (hostname) DO NOTHING`),
		host,
	); err != nil {
		return 0, fmt.Errorf("insert device %q: %w", host, err)
	}

	if err := q.QueryRowContext(ctx,
		s.rebind(`SELECT id FROM device WHERE hostname = ?`), host,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("select device %q: %w", host, err)
	}

	s.mu.Lock()
	s.devCache.put(q, host, id)
	s.mu.Unlock()

	return id, nil
}

// Device is one canonical device identity.
type Device struct {
	ID       int64
	Hostname string
}

// ListDevices returns all devices ordered by hostname.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, hostname FROM device ORDER BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.Hostname); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}

	return devices, rows.Err()
}

// MergeDuplicateDevices repairs device rows whose hostnames collapse to
// the same canonical form: all measurement and data rows are repointed
// to the surviving device (the lowest id), the duplicates are deleted,
// and the survivor's hostname is rewritten to canonical form. Hostnames
// are only comparable after normalization, so this is a post-hoc repair,
// not an insert-path constraint.
//
// The whole repair runs in one transaction. It returns the number of
// device rows removed.
func (s *Store) MergeDuplicateDevices(ctx context.Context) (int, error) {
	devices, err := s.ListDevices(ctx)
	if err != nil {
		return 0, err
	}

	groups := make(map[string][]Device)
	for _, d := range devices {
		host := CanonicalHostname(d.Hostname)
		groups[host] = append(groups[host], d)
	}

	hosts := make([]string, 0, len(groups))
	for host := range groups {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	merged := 0
	err = s.TransactionContext(ctx, func(tx *sql.Tx) error {
		for _, host := range hosts {
			group := groups[host]
			sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
			survivor := group[0]

			for _, loser := range group[1:] {
				if err := s.mergeInto(ctx, tx, survivor, loser); err != nil {
					return err
				}
				merged++
			}

			if survivor.Hostname != host {
				if _, err := tx.ExecContext(ctx,
					s.rebind(`UPDATE device SET hostname = ? WHERE id = ?`), host, survivor.ID,
				); err != nil {
					return fmt.Errorf("canonicalize device %d: %w", survivor.ID, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.devCache = newIDCache()
	s.mu.Unlock()

	if merged > 0 {
		s.log.Info("merged duplicate devices", "removed", merged)
	}
	return merged, nil
}

func (s *Store) mergeInto(ctx context.Context, tx *sql.Tx, survivor, loser Device) error {
	s.log.Info("merging device", "survivor", survivor.ID, "duplicate", loser.ID,
		"hostname", loser.Hostname)

	// The survivor's partition must exist before the loser's data rows
	// move into it.
	if err := s.EnsurePartition(ctx, tx, survivor.ID); err != nil {
		return err
	}

	for _, stmt := range []string{
		`UPDATE data SET device_id = ? WHERE device_id = ?`,
		`UPDATE measurement SET device_id = ? WHERE device_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.rebind(stmt), survivor.ID, loser.ID); err != nil {
			return fmt.Errorf("repoint device %d to %d: %w", loser.ID, survivor.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		s.rebind(`DELETE FROM data_partition WHERE device_id = ?`), loser.ID,
	); err != nil {
		return fmt.Errorf("deregister partition %d: %w", loser.ID, err)
	}
	for _, stmt := range s.dialect.DropPartition(loser.ID) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("drop partition %d: %w", loser.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		s.rebind(`DELETE FROM device WHERE id = ?`), loser.ID,
	); err != nil {
		return fmt.Errorf("delete device %d: %w", loser.ID, err)
	}

	return nil
}
