package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/lib/pq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/datacleanup/tally/internal/accountctx"
	apikeydomain "github.com/datacleanup/tally/internal/apikey/domain"
)

const (
	apiKeyPrefix              = "tly"
	apiKeySecretBytes         = 32
	apiKeyRotationGracePeriod = 24 * time.Hour
)

var allowedScopes = map[string]bool{
	apikeydomain.ScopeReserve:     true,
	apikeydomain.ScopeBalanceRead: true,
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  apikeydomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  apikeydomain.Repository
	genID *snowflake.Node
}

func New(p Params) apikeydomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("apikey.service"),
		repo:  p.Repo,
		genID: p.GenID,
	}
}

func (s *Service) List(ctx context.Context) ([]apikeydomain.Response, error) {
	accountID, err := s.accountIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	items, err := s.repo.List(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}

	resp := make([]apikeydomain.Response, 0, len(items))
	for i := range items {
		resp = append(resp, toResponse(&items[i]))
	}
	return resp, nil
}

func (s *Service) Create(ctx context.Context, req apikeydomain.CreateRequest) (*apikeydomain.SecretResponse, error) {
	accountID, err := s.accountIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apikeydomain.ErrInvalidName
	}
	scopes, err := normalizeScopes(req.Scopes)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	id := s.genID.Generate()
	keyID := newKeyID(id)
	plain, hash, err := generateAPIKey(keyID)
	if err != nil {
		return nil, err
	}

	key := &apikeydomain.APIKey{
		ID:        id,
		AccountID: accountID,
		KeyID:     keyID,
		Name:      name,
		Scopes:    scopes,
		KeyHash:   hash,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Insert(ctx, s.db, key); err != nil {
		return nil, err
	}

	return &apikeydomain.SecretResponse{KeyID: key.KeyID, APIKey: plain}, nil
}

func (s *Service) Rotate(ctx context.Context, keyID string) (*apikeydomain.SecretResponse, error) {
	accountID, err := s.accountIDFromContext(ctx)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return nil, apikeydomain.ErrInvalidKeyID
	}

	var result *apikeydomain.SecretResponse
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByKeyID(ctx, tx, accountID, trimmed)
		if err != nil {
			return err
		}
		if current == nil || !current.IsActive || isExpired(current.ExpiresAt) {
			return apikeydomain.ErrNotFound
		}

		// The old key stays valid for a grace period so in-flight
		// deployments can swap credentials without an outage.
		now := time.Now().UTC()
		current.ExpiresAt = ptrTime(now.Add(apiKeyRotationGracePeriod))
		current.UpdatedAt = now
		if err := s.repo.Update(ctx, tx, current); err != nil {
			return err
		}

		id := s.genID.Generate()
		nextKeyID := newKeyID(id)
		plain, hash, err := generateAPIKey(nextKeyID)
		if err != nil {
			return err
		}

		rotatedFrom := current.KeyID
		next := &apikeydomain.APIKey{
			ID:               id,
			AccountID:        accountID,
			KeyID:            nextKeyID,
			Name:             current.Name,
			Scopes:           current.Scopes,
			KeyHash:          hash,
			IsActive:         true,
			CreatedAt:        now,
			UpdatedAt:        now,
			RotatedFromKeyID: &rotatedFrom,
		}

		if err := s.repo.Insert(ctx, tx, next); err != nil {
			return err
		}

		result = &apikeydomain.SecretResponse{KeyID: next.KeyID, APIKey: plain}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Service) Revoke(ctx context.Context, keyID string) error {
	accountID, err := s.accountIDFromContext(ctx)
	if err != nil {
		return err
	}

	trimmed := strings.TrimSpace(keyID)
	if trimmed == "" {
		return apikeydomain.ErrInvalidKeyID
	}

	key, err := s.repo.FindByKeyID(ctx, s.db, accountID, trimmed)
	if err != nil {
		return err
	}
	if key == nil {
		return apikeydomain.ErrNotFound
	}

	now := time.Now().UTC()
	key.IsActive = false
	key.UpdatedAt = now
	if key.ExpiresAt == nil || key.ExpiresAt.After(now) {
		key.ExpiresAt = &now
	}
	return s.repo.Update(ctx, s.db, key)
}

func (s *Service) Authenticate(ctx context.Context, rawKey string) (*apikeydomain.APIKey, error) {
	keyID, err := parseKeyID(rawKey)
	if err != nil {
		return nil, err
	}

	key, err := s.repo.FindActiveByKeyID(ctx, s.db, keyID)
	if err != nil {
		return nil, err
	}
	if key == nil || isExpired(key.ExpiresAt) {
		return nil, apikeydomain.ErrInvalidKey
	}
	if !apikeydomain.VerifyAPIKey(rawKey, key.KeyHash) {
		return nil, apikeydomain.ErrInvalidKey
	}

	if err := s.repo.TouchLastUsed(ctx, s.db, key.ID); err != nil {
		s.log.Warn("failed to update key last_used_at", zap.Error(err))
	}
	return key, nil
}

func (s *Service) accountIDFromContext(ctx context.Context) (snowflake.ID, error) {
	accountID, ok := accountctx.AccountIDFromContext(ctx)
	if !ok || accountID == 0 {
		return 0, apikeydomain.ErrInvalidAccount
	}
	return accountID, nil
}

func toResponse(key *apikeydomain.APIKey) apikeydomain.Response {
	return apikeydomain.Response{
		KeyID:            key.KeyID,
		Name:             key.Name,
		Scopes:           key.Scopes,
		IsActive:         key.IsActive,
		CreatedAt:        key.CreatedAt,
		LastUsedAt:       key.LastUsedAt,
		ExpiresAt:        key.ExpiresAt,
		RotatedFromKeyID: key.RotatedFromKeyID,
	}
}

func normalizeScopes(scopes []string) (pq.StringArray, error) {
	if len(scopes) == 0 {
		return pq.StringArray{apikeydomain.ScopeReserve, apikeydomain.ScopeBalanceRead}, nil
	}
	out := make(pq.StringArray, 0, len(scopes))
	for _, scope := range scopes {
		scope = strings.ToLower(strings.TrimSpace(scope))
		if !allowedScopes[scope] {
			return nil, fmt.Errorf("unknown scope %q", scope)
		}
		out = append(out, scope)
	}
	return out, nil
}

func generateAPIKey(keyID string) (string, string, error) {
	secret := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", "", err
	}

	trimmed := strings.TrimPrefix(keyID, "key_")
	plain := fmt.Sprintf("%s_%s_%s", apiKeyPrefix, trimmed, hex.EncodeToString(secret))
	hash, err := apikeydomain.HashAPIKey(plain)
	if err != nil {
		return "", "", err
	}
	return plain, hash, nil
}

func parseKeyID(rawKey string) (string, error) {
	parts := strings.Split(strings.TrimSpace(rawKey), "_")
	if len(parts) != 3 || parts[0] != apiKeyPrefix || parts[1] == "" || parts[2] == "" {
		return "", apikeydomain.ErrInvalidKey
	}
	return "key_" + parts[1], nil
}

func newKeyID(id snowflake.ID) string {
	return "key_" + strings.ToUpper(strconv.FormatInt(int64(id), 36))
}

func isExpired(expiresAt *time.Time) bool {
	if expiresAt == nil {
		return false
	}
	return time.Now().UTC().After(*expiresAt)
}

func ptrTime(value time.Time) *time.Time {
	return &value
}
