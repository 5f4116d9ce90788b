// Package profile validates and persists publishing profiles.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

// Service is the Profile Store: validation in front of a repository.
type Service struct {
	repo     publishing.ProfileRepository
	clock    publishing.Clock
	ids      publishing.IDGenerator
	validate *validator.Validate
}

// New constructs a Service.
func New(repo publishing.ProfileRepository, clock publishing.Clock, ids publishing.IDGenerator) *Service {
	return &Service{
		repo:     repo,
		clock:    clock,
		ids:      ids,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Get returns the profile or publishing.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (publishing.Profile, error) {
	p, err := s.repo.GetProfile(ctx, id)
	if err != nil {
		return publishing.Profile{}, fmt.Errorf("get profile %s: %w", id, err)
	}
	return p, nil
}

// GetOwned returns the profile only when it belongs to ownerID. Profiles owned
// by someone else are reported as not found.
func (s *Service) GetOwned(ctx context.Context, ownerID, id string) (publishing.Profile, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return publishing.Profile{}, err
	}
	if p.OwnerID != ownerID {
		return publishing.Profile{}, fmt.Errorf("get profile %s: %w", id, publishing.ErrNotFound)
	}
	return p, nil
}

// List returns every profile owned by ownerID.
func (s *Service) List(ctx context.Context, ownerID string) ([]publishing.Profile, error) {
	profiles, err := s.repo.ListProfiles(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return profiles, nil
}

// Save validates and stores a profile, assigning an id when empty. Updating a
// profile that belongs to another owner fails with publishing.ErrNotFound.
func (s *Service) Save(ctx context.Context, p publishing.Profile) (publishing.Profile, error) {
	if err := s.Validate(p); err != nil {
		return publishing.Profile{}, err
	}
	if p.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return publishing.Profile{}, fmt.Errorf("generate profile id: %w", err)
		}
		p.ID = id
	} else {
		existing, err := s.repo.GetProfile(ctx, p.ID)
		switch {
		case errors.Is(err, publishing.ErrNotFound):
		case err != nil:
			return publishing.Profile{}, fmt.Errorf("load profile %s: %w", p.ID, err)
		case existing.OwnerID != p.OwnerID:
			return publishing.Profile{}, fmt.Errorf("save profile %s: %w", p.ID, publishing.ErrNotFound)
		}
	}
	p.SiteURL = strings.TrimRight(p.SiteURL, "/")
	p.UpdatedAt = s.clock.Now()
	if err := s.repo.SaveProfile(ctx, p.Clone()); err != nil {
		return publishing.Profile{}, fmt.Errorf("save profile %s: %w", p.ID, err)
	}
	return p, nil
}

// Validate checks a profile without storing it.
func (s *Service) Validate(p publishing.Profile) error {
	var problems []string
	if err := s.validate.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("validate profile: %w", err)
		}
		for _, fe := range fieldErrs {
			problems = append(problems, describe(fe))
		}
	}
	seen := make(map[string]struct{}, len(p.Authors))
	for _, a := range p.Authors {
		key := strings.ToLower(a.Username)
		if _, dup := seen[key]; dup && key != "" {
			problems = append(problems, fmt.Sprintf("authors: duplicate username %q", a.Username))
		}
		seen[key] = struct{}{}
	}
	if len(problems) > 0 {
		return publishing.NewValidationError(problems...)
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s needs at least %s entries", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "gtefield":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "url":
		return field + " must be an absolute URL"
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
