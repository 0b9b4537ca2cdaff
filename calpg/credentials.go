// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package calpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mobiletoly/go-calsync/calsync"
)

// PutCredential stores (or replaces) the provider bearer token of a user
func (s *Store) PutCredential(ctx context.Context, userID, accessToken string, expiresAt *time.Time) error {
	if userID == "" || accessToken == "" {
		return &calsync.ValidationError{Field: "access_token", Message: "user id and access token are required"}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO calsync.provider_credential (user_id, access_token, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET access_token = EXCLUDED.access_token, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at`,
		userID, accessToken, expiresAt, s.now().UTC())
	if err != nil {
		return fmt.Errorf("store provider credential: %w", err)
	}
	return nil
}

// DeleteCredential forgets the user's provider token
func (s *Store) DeleteCredential(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM calsync.provider_credential WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete provider credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return calsync.ErrNotFound
	}
	return nil
}

// AccessToken implements calsync.CredentialSource. Missing or expired tokens
// yield an *calsync.AuthenticationError.
func (s *Store) AccessToken(ctx context.Context, userID string) (string, error) {
	var (
		token     string
		expiresAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT access_token, expires_at FROM calsync.provider_credential WHERE user_id = $1`, userID,
	).Scan(&token, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &calsync.AuthenticationError{UserID: userID, Err: calsync.ErrNoCredential}
	}
	if err != nil {
		return "", fmt.Errorf("load provider credential: %w", err)
	}
	if expiresAt != nil && !expiresAt.After(s.now()) {
		return "", &calsync.AuthenticationError{UserID: userID, Err: errors.New("provider credential expired")}
	}
	return token, nil
}
