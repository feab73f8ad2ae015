package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/ollyllm/ollyllm/internal/model"
)

// CreateTestRegistration inserts a test registration and returns it with its
// assigned id and creation time. Metadata is stored as-is.
func (db *DB) CreateTestRegistration(ctx context.Context, reg model.TestRegistration) (model.TestRegistration, error) {
	var metadata any
	if len(reg.Metadata) > 0 {
		metadata = reg.Metadata
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO test_registration (blob_url, metadata) VALUES ($1, $2)
		 RETURNING id, created_at`,
		reg.BlobURL, metadata,
	).Scan(&reg.ID, &reg.CreatedAt)
	if err != nil {
		return model.TestRegistration{}, wrap("create test registration", err)
	}
	return reg, nil
}

// GetTestRegistration returns a registration by id.
func (db *DB) GetTestRegistration(ctx context.Context, id int32) (model.TestRegistration, error) {
	var reg model.TestRegistration
	var metadata []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, blob_url, metadata, created_at FROM test_registration WHERE id = $1`, id,
	).Scan(&reg.ID, &reg.BlobURL, &metadata, &reg.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TestRegistration{}, ErrNotFound
		}
		return model.TestRegistration{}, wrap("get test registration", err)
	}
	reg.Metadata = metadata
	return reg, nil
}

// CreateTestVersion inserts a new version of an existing registration.
// Returns ErrNotFound if the registration does not exist and ErrConflict if
// the registration already has this version.
func (db *DB) CreateTestVersion(ctx context.Context, v model.TestVersion) (model.TestVersion, error) {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO test_version (name, version, test_registration_id) VALUES ($1, $2, $3)
		 RETURNING id, created_at, updated_at`,
		v.Name, v.Version, v.TestRegistrationID,
	).Scan(&v.ID, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return model.TestVersion{}, wrap("create test version", err)
	}
	return v, nil
}

// GetTestVersion resolves a (registration, version) pair.
func (db *DB) GetTestVersion(ctx context.Context, registrationID int32, version string) (model.TestVersion, error) {
	var v model.TestVersion
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, version, created_at, updated_at, test_registration_id
		 FROM test_version WHERE test_registration_id = $1 AND version = $2`,
		registrationID, version,
	).Scan(&v.ID, &v.Name, &v.Version, &v.CreatedAt, &v.UpdatedAt, &v.TestRegistrationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TestVersion{}, ErrNotFound
		}
		return model.TestVersion{}, wrap("get test version", err)
	}
	return v, nil
}

// ListTestVersions returns every version of a registration, oldest first.
func (db *DB) ListTestVersions(ctx context.Context, registrationID int32) ([]model.TestVersion, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, version, created_at, updated_at, test_registration_id
		 FROM test_version WHERE test_registration_id = $1
		 ORDER BY created_at ASC, id ASC`, registrationID)
	if err != nil {
		return nil, wrap("list test versions", err)
	}
	versions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.TestVersion, error) {
		var v model.TestVersion
		err := row.Scan(&v.ID, &v.Name, &v.Version, &v.CreatedAt, &v.UpdatedAt, &v.TestRegistrationID)
		return v, err
	})
	if err != nil {
		return nil, wrap("list test versions", err)
	}
	return versions, nil
}
