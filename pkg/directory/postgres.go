package directory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres resolves membership from the relational directory store, the same
// database the CRUD services persist users and groups into.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

var _ Client = (*Postgres)(nil)

func (s *Postgres) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM group_members WHERE group_id = $1`, groupID)
	if err != nil {
		return nil, fmt.Errorf("%w: query members of group %q: %v", ErrStoreUnavailable, groupID, err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("%w: scan member of group %q: %v", ErrStoreUnavailable, groupID, err)
		}
		members = append(members, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read members of group %q: %v", ErrStoreUnavailable, groupID, err)
	}
	return members, nil
}
