// Copyright 2025 The WarDragon Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Kit is one configured sensor. LastSeen is nil until the collector has
// heard from it at least once; deleting a kit never deletes observations
// that reference its id.
type Kit struct {
	KitID     string
	Name      string
	Location  string
	APIURL    string
	Enabled   bool
	CreatedAt time.Time
	LastSeen  *time.Time
}

// ErrKitNotFound is returned for operations on an id the kits table does not
// hold.
var ErrKitNotFound = errors.New("kit not found")

// UpsertKit inserts or updates a kit row. On conflict the configuration
// columns follow the incoming row, created_at keeps its original value and
// last_seen never moves backwards.
func (s *Store) UpsertKit(ctx context.Context, k Kit) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO kits (kit_id, name, location, api_url, enabled, created_at, last_seen)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (kit_id) DO UPDATE SET
    name      = EXCLUDED.name,
    location  = EXCLUDED.location,
    api_url   = EXCLUDED.api_url,
    enabled   = EXCLUDED.enabled,
    last_seen = greatest(kits.last_seen, EXCLUDED.last_seen)`,
		k.KitID, k.Name, k.Location, k.APIURL, k.Enabled, k.CreatedAt, k.LastSeen)
	if err != nil {
		return fmt.Errorf("upserting kit %q: %w", k.KitID, classify(err))
	}
	return nil
}

// TouchKitLastSeen advances last_seen monotonically after a successful poll.
func (s *Store) TouchKitLastSeen(ctx context.Context, kitID string, seen time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE kits SET last_seen = greatest(coalesce(last_seen, 'epoch'::timestamptz), $2)
WHERE kit_id = $1`, kitID, seen)
	if err != nil {
		return fmt.Errorf("touching kit %q: %w", kitID, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("touching kit %q: %w", kitID, ErrKitNotFound)
	}
	return nil
}

// DeleteKit removes the registry row. Historical observations keyed by the
// kit id stay queryable.
func (s *Store) DeleteKit(ctx context.Context, kitID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM kits WHERE kit_id = $1`, kitID)
	if err != nil {
		return fmt.Errorf("deleting kit %q: %w", kitID, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deleting kit %q: %w", kitID, ErrKitNotFound)
	}
	return nil
}

// GetKit fetches one kit row.
func (s *Store) GetKit(ctx context.Context, kitID string) (*Kit, error) {
	row := s.pool.QueryRow(ctx, `
SELECT kit_id, name, location, api_url, enabled, created_at, last_seen
FROM kits WHERE kit_id = $1`, kitID)
	var k Kit
	if err := row.Scan(&k.KitID, &k.Name, &k.Location, &k.APIURL, &k.Enabled, &k.CreatedAt, &k.LastSeen); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("kit %q: %w", kitID, ErrKitNotFound)
		}
		return nil, fmt.Errorf("fetching kit %q: %w", kitID, classify(err))
	}
	return &k, nil
}

// ListKits returns all kit rows ordered by id.
func (s *Store) ListKits(ctx context.Context) ([]Kit, error) {
	rows, err := s.pool.Query(ctx, `
SELECT kit_id, name, location, api_url, enabled, created_at, last_seen
FROM kits ORDER BY kit_id`)
	if err != nil {
		return nil, fmt.Errorf("listing kits: %w", classify(err))
	}
	defer rows.Close()

	var kits []Kit
	for rows.Next() {
		var k Kit
		if err := rows.Scan(&k.KitID, &k.Name, &k.Location, &k.APIURL, &k.Enabled, &k.CreatedAt, &k.LastSeen); err != nil {
			return nil, fmt.Errorf("scanning kit: %w", err)
		}
		kits = append(kits, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing kits: %w", classify(err))
	}
	return kits, nil
}
