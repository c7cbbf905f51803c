package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Platform tags an Entity with the AI vendor behind it.
const (
	PlatformClaude = "claude"
	PlatformGPT    = "gpt"
	PlatformGemini = "gemini"
	PlatformOther  = "other"
)

// saltSize is the per-entity HKDF salt length (128 bits).
const saltSize = 16

// Entity is an AI-backed identity sharing the upstream bot connection.
type Entity struct {
	ID          string
	Name        string
	AvatarURL   string
	Description string
	AccentColor string
	Platform    string
	OwnerID     string
	OwnerName   string
	// KeyHash and KeySalt are the only persisted authenticator material.
	// The raw API key is returned exactly once, at creation or regeneration.
	KeyHash []byte
	KeySalt []byte
	Active  bool
	// Triggers are case-folded substrings that mark a message as triggered.
	Triggers []string
	// NotifyAddressed / NotifyTriggered opt the owner into DM notifications.
	NotifyAddressed bool
	NotifyTriggered bool
	CreatedAt       time.Time
}

// CreateEntityParams carries the caller-supplied fields for a new Entity.
type CreateEntityParams struct {
	Name        string
	AvatarURL   string
	Description string
	AccentColor string
	Platform    string
	OwnerID     string
	OwnerName   string
}

func validPlatform(p string) bool {
	switch p {
	case PlatformClaude, PlatformGPT, PlatformGemini, PlatformOther:
		return true
	}
	return false
}

// newAPIKey generates a fresh raw API key and its bcrypt hash + HKDF salt.
func newAPIKey() (raw string, hash, salt []byte, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", nil, nil, fmt.Errorf("generate api key: %w", err)
	}
	raw = "arachne_" + base64.RawURLEncoding.EncodeToString(buf)

	hash, err = bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, nil, fmt.Errorf("hash api key: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err = rand.Read(salt); err != nil {
		return "", nil, nil, fmt.Errorf("generate salt: %w", err)
	}
	return raw, hash, salt, nil
}

// CreateEntity inserts a new Entity and returns it together with the raw API
// key. The raw key is not stored anywhere; this is the caller's only chance
// to hand it to the owner.
func (s *Store) CreateEntity(ctx context.Context, p CreateEntityParams) (*Entity, string, error) {
	if p.Name == "" {
		return nil, "", fmt.Errorf("%w: entity name must not be empty", ErrInvalid)
	}
	if p.OwnerID == "" {
		return nil, "", fmt.Errorf("%w: entity owner must not be empty", ErrInvalid)
	}
	if p.Platform == "" {
		p.Platform = PlatformOther
	}
	if !validPlatform(p.Platform) {
		return nil, "", fmt.Errorf("%w: unknown platform %q", ErrInvalid, p.Platform)
	}

	rawKey, hash, salt, err := newAPIKey()
	if err != nil {
		return nil, "", err
	}

	e := &Entity{
		ID:          uuid.New().String(),
		Name:        p.Name,
		AvatarURL:   p.AvatarURL,
		Description: p.Description,
		AccentColor: p.AccentColor,
		Platform:    p.Platform,
		OwnerID:     p.OwnerID,
		OwnerName:   p.OwnerName,
		KeyHash:     hash,
		KeySalt:     salt,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, name, avatar_url, description, accent_color, platform,
		                      owner_id, owner_name, key_hash, key_salt, active,
		                      triggers, notify_addressed, notify_triggered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, '[]', 0, 0, ?)
	`, e.ID, e.Name, e.AvatarURL, e.Description, e.AccentColor, e.Platform,
		e.OwnerID, e.OwnerName, e.KeyHash, e.KeySalt, e.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create entity: %w", err)
	}

	return e, rawKey, nil
}

const entityColumns = `id, name, avatar_url, description, accent_color, platform,
	owner_id, owner_name, key_hash, key_salt, active,
	triggers, notify_addressed, notify_triggered, created_at`

func scanEntity(row interface{ Scan(...any) error }) (*Entity, error) {
	e := &Entity{}
	var active, notifyAddr, notifyTrig int
	var triggers string
	err := row.Scan(
		&e.ID, &e.Name, &e.AvatarURL, &e.Description, &e.AccentColor, &e.Platform,
		&e.OwnerID, &e.OwnerName, &e.KeyHash, &e.KeySalt, &active,
		&triggers, &notifyAddr, &notifyTrig, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Active = active != 0
	e.NotifyAddressed = notifyAddr != 0
	e.NotifyTriggered = notifyTrig != 0
	e.Triggers = decodeSet(triggers)
	return e, nil
}

// GetEntity retrieves an Entity by id, active or not.
func (s *Store) GetEntity(ctx context.Context, id string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return e, nil
}

// ListEntities returns all Entities, newest first.
func (s *Store) ListEntities(ctx context.Context) ([]*Entity, error) {
	return s.listEntities(ctx,
		`SELECT `+entityColumns+` FROM entities ORDER BY created_at DESC`)
}

// ListEntitiesByOwner returns all Entities owned by the given Discord user.
func (s *Store) ListEntitiesByOwner(ctx context.Context, ownerID string) ([]*Entity, error) {
	return s.listEntities(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE owner_id = ? ORDER BY created_at DESC`,
		ownerID)
}

func (s *Store) listEntities(ctx context.Context, query string, args ...any) ([]*Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEntity persists profile fields, triggers, and notification opt-ins.
// Credential material and the active flag have dedicated methods.
func (s *Store) UpdateEntity(ctx context.Context, e *Entity) error {
	if !validPlatform(e.Platform) {
		return fmt.Errorf("%w: unknown platform %q", ErrInvalid, e.Platform)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE entities
		SET name = ?, avatar_url = ?, description = ?, accent_color = ?,
		    platform = ?, owner_name = ?, triggers = ?,
		    notify_addressed = ?, notify_triggered = ?
		WHERE id = ?
	`, e.Name, e.AvatarURL, e.Description, e.AccentColor,
		e.Platform, e.OwnerName, encodeSet(e.Triggers),
		boolInt(e.NotifyAddressed), boolInt(e.NotifyTriggered), e.ID)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}
	return requireRow(res, e.ID)
}

// RegenerateKey atomically replaces the Entity's API-key hash and salt and
// returns the new raw key. The previous key stops verifying immediately.
func (s *Store) RegenerateKey(ctx context.Context, id string) (string, error) {
	rawKey, hash, salt, err := newAPIKey()
	if err != nil {
		return "", err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET key_hash = ?, key_salt = ? WHERE id = ?`,
		hash, salt, id)
	if err != nil {
		return "", fmt.Errorf("failed to regenerate key: %w", err)
	}
	if err := requireRow(res, id); err != nil {
		return "", err
	}
	return rawKey, nil
}

// SetActive flips the soft-delete flag. Deactivated Entities disappear from
// hot-path queries but keep all their rows.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET active = ? WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return fmt.Errorf("failed to set active flag: %w", err)
	}
	return requireRow(res, id)
}

// DeleteEntity hard-deletes the Entity and everything hanging off it:
// EntityServer rows, join requests, and OAuth artifacts, in one transaction.
func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete entity: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM entity_servers WHERE entity_id = ?`,
		`DELETE FROM server_requests WHERE entity_id = ?`,
		`DELETE FROM oauth_auth_codes WHERE entity_id = ?`,
		`DELETE FROM oauth_refresh_tokens WHERE entity_id = ?`,
		`DELETE FROM oauth_access_tokens WHERE entity_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete entity dependents: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}

	return tx.Commit()
}

// EntityCount returns the number of active Entities (health endpoint).
func (s *Store) EntityCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE active = 1`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count entities: %w", err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result, id string) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	return nil
}
