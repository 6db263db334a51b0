package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/identra/identra/pkg/models"
	"github.com/identra/identra/pkg/persistence"
)

// RelationshipRepository handles relationship-related database operations.
// Listings are ordered by insertion sequence so graph traversal stays
// deterministic.
type RelationshipRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const relationshipColumns = `
	id
  , from_id
  , to_id
  , type
  , role
  , department
  , percent
  , scopes
  , rules
  , established_at
  , established_by
  , metadata
`

func (r *RelationshipRepository) GetByID(ctx context.Context, id string) (*models.Relationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM relationships WHERE id = $1`

	rel, err := scanRelationship(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", "relationship", id, persistence.ErrRelationshipNotFound)
		}

		return nil, fmt.Errorf("failed to scan relationship: %w", err)
	}

	return rel, nil
}

func (r *RelationshipRepository) GetByIdentity(ctx context.Context, identityID string) ([]*models.Relationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM relationships
		WHERE from_id = $1 OR to_id = $1 ORDER BY seq`

	return r.queryRelationships(ctx, query, identityID)
}

func (r *RelationshipRepository) Find(ctx context.Context, fromID, toID string, relType models.RelationshipType) (*models.Relationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM relationships
		WHERE from_id = $1 AND to_id = $2 AND type = $3`

	rel, err := scanRelationship(r.db.QueryRowContext(ctx, query, fromID, toID, string(relType)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("Find", "relationship", fromID+"->"+toID, persistence.ErrRelationshipNotFound)
		}

		return nil, fmt.Errorf("failed to scan relationship: %w", err)
	}

	return rel, nil
}

func (r *RelationshipRepository) Expired(ctx context.Context, now time.Time) ([]*models.Relationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM relationships
		WHERE rules->>'expires_at' IS NOT NULL
		  AND (rules->>'expires_at')::timestamptz <= $1
		ORDER BY seq`

	return r.queryRelationships(ctx, query, now)
}

func (r *RelationshipRepository) All(ctx context.Context) ([]*models.Relationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM relationships ORDER BY seq`

	return r.queryRelationships(ctx, query)
}

func (r *RelationshipRepository) Save(ctx context.Context, relationship *models.Relationship) error {
	scopes, err := json.Marshal(relationship.Scopes)
	if err != nil {
		return fmt.Errorf("failed to marshal scopes: %w", err)
	}

	rules, err := json.Marshal(relationship.Rules)
	if err != nil {
		return fmt.Errorf("failed to marshal rules: %w", err)
	}

	metadata, err := json.Marshal(relationship.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO relationships (
			id, from_id, to_id, type, role, department, percent, scopes,
			rules, established_at, established_by, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			role = EXCLUDED.role,
			department = EXCLUDED.department,
			percent = EXCLUDED.percent,
			scopes = EXCLUDED.scopes,
			rules = EXCLUDED.rules,
			metadata = EXCLUDED.metadata
	`

	_, err = r.db.ExecContext(ctx, query,
		relationship.ID,
		relationship.FromID,
		relationship.ToID,
		string(relationship.Type),
		nullString(relationship.Role),
		nullString(relationship.Department),
		relationship.Percent,
		scopes,
		rules,
		relationship.EstablishedAt,
		nullString(relationship.EstablishedBy),
		metadata,
	)
	if err != nil {
		return persistence.NewStoreError("Save", "relationship", relationship.ID, err)
	}

	return nil
}

func (r *RelationshipRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM relationships WHERE id = $1`, id)
	if err != nil {
		return persistence.NewStoreError("Delete", "relationship", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStoreError("Delete", "relationship", id, err)
	}

	if affected == 0 {
		return persistence.NewStoreError("Delete", "relationship", id, persistence.ErrRelationshipNotFound)
	}

	return nil
}

func (r *RelationshipRepository) queryRelationships(ctx context.Context, query string, args ...any) ([]*models.Relationship, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	relationships := make([]*models.Relationship, 0)

	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}

		relationships = append(relationships, rel)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relationships: %w", err)
	}

	return relationships, nil
}

func scanRelationship(row rowScanner) (*models.Relationship, error) {
	var (
		rel           models.Relationship
		role          sql.NullString
		department    sql.NullString
		percent       sql.NullFloat64
		scopes        []byte
		rules         []byte
		establishedBy sql.NullString
		metadata      []byte
	)

	err := row.Scan(
		&rel.ID,
		&rel.FromID,
		&rel.ToID,
		&rel.Type,
		&role,
		&department,
		&percent,
		&scopes,
		&rules,
		&rel.EstablishedAt,
		&establishedBy,
		&metadata,
	)
	if err != nil {
		return nil, err
	}

	rel.Role = role.String
	rel.Department = department.String
	rel.Percent = percent.Float64
	rel.EstablishedBy = establishedBy.String

	if err := json.Unmarshal(scopes, &rel.Scopes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scopes: %w", err)
	}

	if err := json.Unmarshal(rules, &rel.Rules); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rules: %w", err)
	}

	if err := json.Unmarshal(metadata, &rel.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return &rel, nil
}
