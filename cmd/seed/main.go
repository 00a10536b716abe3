package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samhotchkiss/threadmask/internal/config"
	"github.com/samhotchkiss/threadmask/internal/logger"
	"github.com/samhotchkiss/threadmask/internal/middleware"
	"github.com/samhotchkiss/threadmask/internal/models"
	"github.com/samhotchkiss/threadmask/internal/store"
)

const (
	defaultOrgName       = "Demo Pet Care"
	defaultOrgSlug       = "demo-pet-care"
	defaultFrontDeskE164 = "+15005550100"
	defaultOwnerID       = "local-owner"
	defaultTokenWindow   = 30 * 24 * time.Hour
	seedTimeout          = 30 * time.Second
)

var defaultPoolE164s = []string{"+15005550101", "+15005550102", "+15005550103"}

type seedPlan struct {
	OrgName       string
	OrgSlug       string
	FrontDeskE164 string
	PoolE164s     []string
}

type seedResult struct {
	Created bool
	OrgID   string
	Numbers []string
	Token   string
}

type seedStore interface {
	GetOrgBySlug(ctx context.Context, slug string) (*store.Org, error)
	CreateOrg(ctx context.Context, name, slug string) (*store.Org, error)
	CreateNumber(ctx context.Context, input store.CreateNumberInput) (*store.MaskedNumber, error)
}

type sqlSeedStore struct {
	orgs    *store.OrgStore
	numbers *store.NumberStore
}

func (s *sqlSeedStore) GetOrgBySlug(ctx context.Context, slug string) (*store.Org, error) {
	return s.orgs.GetBySlug(ctx, slug)
}

func (s *sqlSeedStore) CreateOrg(ctx context.Context, name, slug string) (*store.Org, error) {
	return s.orgs.Create(ctx, name, slug)
}

func (s *sqlSeedStore) CreateNumber(ctx context.Context, input store.CreateNumberInput) (*store.MaskedNumber, error) {
	return s.numbers.Create(ctx, input)
}

func planFromEnv() seedPlan {
	plan := seedPlan{
		OrgName:       envOr("SEED_ORG_NAME", defaultOrgName),
		OrgSlug:       envOr("SEED_ORG_SLUG", defaultOrgSlug),
		FrontDeskE164: envOr("SEED_FRONT_DESK_E164", defaultFrontDeskE164),
		PoolE164s:     defaultPoolE164s,
	}
	if raw := strings.TrimSpace(os.Getenv("SEED_POOL_E164S")); raw != "" {
		plan.PoolE164s = nil
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				plan.PoolE164s = append(plan.PoolE164s, part)
			}
		}
	}
	return plan
}

// seedOrg creates the org with a front desk number and a pool. An existing org
// is left untouched.
func seedOrg(ctx context.Context, s seedStore, plan seedPlan) (seedResult, error) {
	existing, err := s.GetOrgBySlug(ctx, plan.OrgSlug)
	if err == nil {
		return seedResult{Created: false, OrgID: existing.ID}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return seedResult{}, fmt.Errorf("look up organization: %w", err)
	}

	org, err := s.CreateOrg(ctx, plan.OrgName, plan.OrgSlug)
	if err != nil {
		return seedResult{}, fmt.Errorf("create organization: %w", err)
	}
	result := seedResult{Created: true, OrgID: org.ID}

	inputs := []store.CreateNumberInput{{OrgID: org.ID, Class: models.NumberClassFrontDesk, E164: plan.FrontDeskE164}}
	for _, e164 := range plan.PoolE164s {
		inputs = append(inputs, store.CreateNumberInput{OrgID: org.ID, Class: models.NumberClassPool, E164: e164})
	}
	for _, input := range inputs {
		number, err := s.CreateNumber(ctx, input)
		if err != nil {
			return seedResult{}, fmt.Errorf("create %s number %s: %w", input.Class, input.E164, err)
		}
		result.Numbers = append(result.Numbers, fmt.Sprintf("%s %s", number.Class, number.E164))
	}
	return result, nil
}

func run(log *logger.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), seedTimeout)
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	result, err := seedOrg(ctx, &sqlSeedStore{orgs: store.NewOrgStore(db), numbers: store.NewNumberStore(db)}, planFromEnv())
	if err != nil {
		return err
	}
	if !result.Created {
		log.Info("organization already exists, skipping seed", "org_id", result.OrgID)
		return nil
	}
	log.Info("seeded organization", "org_id", result.OrgID, "numbers", result.Numbers)

	if cfg.JWTSigningSecret != "" {
		token, err := middleware.IssueToken(cfg.JWTSigningSecret, models.Actor{
			OrgID:   result.OrgID,
			Role:    models.ActorOwner,
			ActorID: defaultOwnerID,
		}, defaultTokenWindow)
		if err != nil {
			return fmt.Errorf("issue owner token: %w", err)
		}
		fmt.Printf("Owner token: %s\n", token)
	}
	return nil
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func main() {
	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Error("seed failed", "error", err)
		os.Exit(1)
	}
}
