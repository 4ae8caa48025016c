package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/multierr"

	"github.com/ZentaChain/socktail/pkg/crypto"
	"github.com/ZentaChain/socktail/pkg/peers"
)

// Snapshot is one recorded registration and the peers it returned
type Snapshot struct {
	ID              int64
	Backend         string
	Hostname        string
	PublicKey       crypto.Key
	AssignedAddress netip.Addr
	PeerCount       int
	Peers           []peers.Record
	RegisteredAt    time.Time
}

// SaveRegistration stores a snapshot and its peers, returning the new row id
func (s *Store) SaveRegistration(snap *Snapshot) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if !snap.AssignedAddress.IsValid() {
		return 0, fmt.Errorf("failed to save registration: missing assigned address")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	id, err := insertRegistration(tx, snap)
	if err != nil {
		return 0, multierr.Append(err, tx.Rollback())
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit registration: %w", err)
	}
	return id, nil
}

func insertRegistration(tx *sql.Tx, snap *Snapshot) (int64, error) {
	registeredAt := snap.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = time.Now()
	}

	result, err := tx.Exec(`
		INSERT INTO registrations (backend, hostname, public_key, assigned_address, peer_count, registered_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, snap.Backend, snap.Hostname, crypto.EncodeKey(snap.PublicKey),
		snap.AssignedAddress.String(), len(snap.Peers), registeredAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to insert registration: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get registration id: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO registration_peers (registration_id, position, public_key, overlay_address, endpoint)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare peer insert: %w", err)
	}
	defer stmt.Close()

	for i, p := range snap.Peers {
		var endpoint sql.NullString
		if p.HasEndpoint() {
			endpoint = sql.NullString{String: p.Endpoint.String(), Valid: true}
		}
		if _, err := stmt.Exec(id, i, crypto.EncodeKey(p.PublicKey), p.OverlayAddr.String(), endpoint); err != nil {
			return 0, fmt.Errorf("failed to insert peer: %w", err)
		}
	}

	return id, nil
}

// LatestRegistration returns the most recent snapshot, or ErrNotFound
func (s *Store) LatestRegistration() (*Snapshot, error) {
	list, err := s.ListRegistrations(1)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

// ListRegistrations returns up to limit snapshots, newest first. A limit of
// zero or less returns all of them.
func (s *Store) ListRegistrations(limit int) ([]Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.Query(`
		SELECT id, backend, hostname, public_key, assigned_address, peer_count, registered_at
		FROM registrations
		ORDER BY registered_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query registrations: %w", err)
	}

	var snaps []Snapshot
	for rows.Next() {
		var (
			snap       Snapshot
			publicKey  string
			assigned   string
			registered int64
		)
		if err := rows.Scan(&snap.ID, &snap.Backend, &snap.Hostname, &publicKey, &assigned, &snap.PeerCount, &registered); err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to scan registration: %w", err), rows.Close())
		}
		if snap.PublicKey, err = crypto.DecodeKey(publicKey); err != nil {
			return nil, multierr.Append(fmt.Errorf("corrupt public key in registration %d: %w", snap.ID, err), rows.Close())
		}
		if snap.AssignedAddress, err = netip.ParseAddr(assigned); err != nil {
			return nil, multierr.Append(fmt.Errorf("corrupt address in registration %d: %w", snap.ID, err), rows.Close())
		}
		snap.RegisteredAt = time.UnixMilli(registered)
		snaps = append(snaps, snap)
	}
	if err := multierr.Append(rows.Err(), rows.Close()); err != nil {
		return nil, fmt.Errorf("failed to read registrations: %w", err)
	}

	// Peers are loaded after the outer rows are closed; the pool has one connection
	for i := range snaps {
		if snaps[i].Peers, err = s.loadPeers(snaps[i].ID); err != nil {
			return nil, err
		}
	}

	return snaps, nil
}

func (s *Store) loadPeers(registrationID int64) ([]peers.Record, error) {
	rows, err := s.db.Query(`
		SELECT public_key, overlay_address, endpoint
		FROM registration_peers
		WHERE registration_id = ?
		ORDER BY position ASC
	`, registrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query peers: %w", err)
	}
	defer rows.Close()

	records := []peers.Record{}
	for rows.Next() {
		var (
			publicKey, addr string
			endpoint        sql.NullString
			record          peers.Record
		)
		if err := rows.Scan(&publicKey, &addr, &endpoint); err != nil {
			return nil, fmt.Errorf("failed to scan peer: %w", err)
		}
		if record.PublicKey, err = crypto.DecodeKey(publicKey); err != nil {
			return nil, fmt.Errorf("corrupt peer key in registration %d: %w", registrationID, err)
		}
		if record.OverlayAddr, err = netip.ParseAddr(addr); err != nil {
			return nil, fmt.Errorf("corrupt peer address in registration %d: %w", registrationID, err)
		}
		if endpoint.Valid {
			if record.Endpoint, err = netip.ParseAddrPort(endpoint.String); err != nil {
				return nil, fmt.Errorf("corrupt peer endpoint in registration %d: %w", registrationID, err)
			}
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

// PruneRegistrations deletes all but the newest keep snapshots and returns
// how many were removed
func (s *Store) PruneRegistrations(keep int) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if keep < 0 {
		return 0, errors.New("keep must not be negative")
	}

	result, err := s.db.Exec(`
		DELETE FROM registrations
		WHERE id NOT IN (
			SELECT id FROM registrations
			ORDER BY registered_at DESC, id DESC
			LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune registrations: %w", err)
	}

	// Cascade covers this when foreign keys are on; orphans are swept regardless
	if _, err := s.db.Exec(`DELETE FROM registration_peers WHERE registration_id NOT IN (SELECT id FROM registrations)`); err != nil {
		return 0, fmt.Errorf("failed to prune registration peers: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned registrations: %w", err)
	}
	return count, nil
}
