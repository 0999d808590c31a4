package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sitework/internal/domain"
	"sitework/internal/events"
	"sitework/internal/repo"
)

// WhoAmIResult describes an actor's standing on a project.
type WhoAmIResult struct {
	ActorID     string
	Roles       []string
	Permissions []string
}

func (e Engine) WhoAmI(ctx context.Context, projectID, actorID string) (WhoAmIResult, error) {
	res := WhoAmIResult{ActorID: actorID}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	roles, err := e.Auth.ActorRoles(ctx, tx, projectID, actorID)
	if err != nil {
		return res, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, tx, projectID, actorID)
	if err != nil {
		return res, err
	}
	res.Roles = roles
	res.Permissions = perms
	return res, nil
}

// GrantRole assigns roleID to targetActor on the project.
func (e Engine) GrantRole(ctx context.Context, projectID, actorID, targetActor, roleID string) error {
	if targetActor == "" || roleID == "" {
		return fmt.Errorf("actor_id and role_id are required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return err
	}
	if !e.roleKnown(roleID) {
		return fmt.Errorf("invalid role %s", roleID)
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, targetActor, now); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, projectID, targetActor, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "rbac.role.granted", projectID, "rbac", targetActor, actorID, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// RevokeRole removes roleID from targetActor on the project.
func (e Engine) RevokeRole(ctx context.Context, projectID, actorID, targetActor, roleID string) error {
	if targetActor == "" || roleID == "" {
		return fmt.Errorf("actor_id and role_id are required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, projectID, targetActor, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "rbac.role.revoked", projectID, "rbac", targetActor, actorID, events.EventPayload{"role": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) roleKnown(roleID string) bool {
	if e.Config == nil {
		return true
	}
	_, ok := e.Config.RBAC.Roles[roleID]
	return ok
}

// MintAPIKey creates an API key for an actor and returns the plaintext secret
// once. Only the SHA-256 hash is stored.
func (e Engine) MintAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", fmt.Errorf("actor_id is required")
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "sw_" + hex.EncodeToString(raw)
	now := e.now().UTC().Format(time.RFC3339)
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}
