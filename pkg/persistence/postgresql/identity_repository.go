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

// IdentityRepository handles identity-related database operations.
type IdentityRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const identityColumns = `
	id
  , type
  , status
  , merged_into
  , verification_level
  , verified_at
  , verified_by
  , provider
  , external_id
  , claims
  , tags
  , created_at
  , updated_at
  , version
`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *IdentityRepository) GetByID(ctx context.Context, id string) (*models.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE id = $1`

	identity, err := scanIdentity(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByID", "identity", id, persistence.ErrIdentityNotFound)
		}

		return nil, fmt.Errorf("failed to scan identity: %w", err)
	}

	return identity, nil
}

func (r *IdentityRepository) GetByType(ctx context.Context, identityType models.IdentityType) ([]*models.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE type = $1 ORDER BY created_at`

	return r.queryIdentities(ctx, query, string(identityType))
}

func (r *IdentityRepository) GetByClaim(ctx context.Context, claimType models.ClaimType, value string) (*models.Identity, error) {
	match, err := json.Marshal([]map[string]string{{"type": string(claimType), "value": value}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal claim matcher: %w", err)
	}

	query := `SELECT ` + identityColumns + ` FROM identities WHERE claims @> $1::jsonb LIMIT 1`

	identity, err := scanIdentity(r.db.QueryRowContext(ctx, query, match))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("GetByClaim", "identity", string(claimType)+"="+value, persistence.ErrIdentityNotFound)
		}

		return nil, fmt.Errorf("failed to scan identity: %w", err)
	}

	return identity, nil
}

func (r *IdentityRepository) All(ctx context.Context) ([]*models.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities ORDER BY created_at`

	return r.queryIdentities(ctx, query)
}

func (r *IdentityRepository) Save(ctx context.Context, identity *models.Identity) error {
	claims, err := json.Marshal(identity.Claims)
	if err != nil {
		return fmt.Errorf("failed to marshal claims: %w", err)
	}

	tags, err := json.Marshal(identity.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	query := `
		INSERT INTO identities (
			id, type, status, merged_into, verification_level, verified_at,
			verified_by, provider, external_id, claims, tags, created_at,
			updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			merged_into = EXCLUDED.merged_into,
			verification_level = EXCLUDED.verification_level,
			verified_at = EXCLUDED.verified_at,
			verified_by = EXCLUDED.verified_by,
			claims = EXCLUDED.claims,
			tags = EXCLUDED.tags,
			updated_at = EXCLUDED.updated_at,
			version = EXCLUDED.version
	`

	_, err = r.db.ExecContext(ctx, query,
		identity.ID,
		string(identity.Type),
		string(identity.Status),
		nullString(identity.MergedInto),
		int(identity.VerificationLevel),
		identity.VerifiedAt,
		nullString(identity.VerifiedBy),
		nullString(identity.Provider),
		nullString(identity.ExternalID),
		claims,
		tags,
		identity.CreatedAt,
		identity.UpdatedAt,
		identity.Version,
	)
	if err != nil {
		return persistence.NewStoreError("Save", "identity", identity.ID, err)
	}

	return nil
}

func (r *IdentityRepository) queryIdentities(ctx context.Context, query string, args ...any) ([]*models.Identity, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query identities: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	identities := make([]*models.Identity, 0)

	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}

		identities = append(identities, identity)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating identities: %w", err)
	}

	return identities, nil
}

func scanIdentity(row rowScanner) (*models.Identity, error) {
	var (
		identity   models.Identity
		mergedInto sql.NullString
		verifiedAt sql.NullTime
		verifiedBy sql.NullString
		provider   sql.NullString
		externalID sql.NullString
		claims     []byte
		tags       []byte
		level      int
	)

	err := row.Scan(
		&identity.ID,
		&identity.Type,
		&identity.Status,
		&mergedInto,
		&level,
		&verifiedAt,
		&verifiedBy,
		&provider,
		&externalID,
		&claims,
		&tags,
		&identity.CreatedAt,
		&identity.UpdatedAt,
		&identity.Version,
	)
	if err != nil {
		return nil, err
	}

	identity.VerificationLevel = models.VerificationLevel(level)
	identity.MergedInto = mergedInto.String
	identity.VerifiedBy = verifiedBy.String
	identity.Provider = provider.String
	identity.ExternalID = externalID.String

	if verifiedAt.Valid {
		t := verifiedAt.Time

		identity.VerifiedAt = &t
	}

	if err := json.Unmarshal(claims, &identity.Claims); err != nil {
		return nil, fmt.Errorf("failed to unmarshal claims: %w", err)
	}

	if err := json.Unmarshal(tags, &identity.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}

	return &identity, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *t, Valid: true}
}
