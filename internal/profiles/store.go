// Package profiles is the parameter profile store: versioned parameter
// schemas per (method, variant), seeded once into the record store and served
// from an in-memory cache that is safe for unlimited concurrent readers.
package profiles

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/AhmedAldahshoury/coffee/internal/model"
)

// Repository persists profile versions. storage.DB satisfies it.
type Repository interface {
	CountProfiles(ctx context.Context) (int, error)
	InsertProfile(ctx context.Context, p model.MethodProfile) (bool, error)
	ListProfiles(ctx context.Context) ([]model.MethodProfile, error)
}

type variantKey struct {
	method  string
	variant string
}

// Store caches every published profile version.
type Store struct {
	repo   Repository
	logger *slog.Logger

	mu       sync.RWMutex
	versions map[variantKey][]model.MethodProfile // ascending schema_version
}

// NewStore creates an empty store. Call Seed and Load before use.
func NewStore(repo Repository, logger *slog.Logger) *Store {
	return &Store{
		repo:     repo,
		logger:   logger,
		versions: make(map[variantKey][]model.MethodProfile),
	}
}

// Seed inserts seed profiles if the repository holds none. It returns how
// many versions were written; a non-empty repository is left untouched.
func (s *Store) Seed(ctx context.Context, seed []model.MethodProfile) (int, error) {
	n, err := s.repo.CountProfiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("profiles: seed: %w", err)
	}
	if n > 0 {
		s.logger.Debug("profiles already seeded, skipping", "count", n)
		return 0, nil
	}

	written := 0
	for _, p := range seed {
		if err := ValidateProfile(p); err != nil {
			return written, err
		}
		inserted, err := s.repo.InsertProfile(ctx, p)
		if err != nil {
			return written, fmt.Errorf("profiles: seed: %w", err)
		}
		if inserted {
			written++
		}
	}
	s.logger.Info("profiles seeded", "count", written)
	return written, nil
}

// Load replaces the cache with the repository contents.
func (s *Store) Load(ctx context.Context) error {
	all, err := s.repo.ListProfiles(ctx)
	if err != nil {
		return fmt.Errorf("profiles: load: %w", err)
	}

	versions := make(map[variantKey][]model.MethodProfile)
	for _, p := range all {
		p = p.Normalized()
		if err := ValidateProfile(p); err != nil {
			return err
		}
		k := variantKey{p.MethodID, p.VariantID}
		versions[k] = append(versions[k], p)
	}
	for _, vs := range versions {
		sort.Slice(vs, func(i, j int) bool { return vs[i].SchemaVersion < vs[j].SchemaVersion })
	}

	s.mu.Lock()
	s.versions = versions
	s.mu.Unlock()
	return nil
}

// Publish appends a new version. The version must be newer than every
// version already published for the same (method, variant).
func (s *Store) Publish(ctx context.Context, p model.MethodProfile) error {
	p = p.Normalized()
	if err := ValidateProfile(p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := variantKey{p.MethodID, p.VariantID}
	if vs := s.versions[k]; len(vs) > 0 && vs[len(vs)-1].SchemaVersion >= p.SchemaVersion {
		return model.NewError(model.CodeInvalidProfile,
			"profile %s/%s v%d is not newer than published v%d",
			p.MethodID, p.VariantID, p.SchemaVersion, vs[len(vs)-1].SchemaVersion)
	}
	inserted, err := s.repo.InsertProfile(ctx, p)
	if err != nil {
		return fmt.Errorf("profiles: publish: %w", err)
	}
	if !inserted {
		return model.NewError(model.CodeInvalidProfile,
			"profile %s/%s v%d already exists", p.MethodID, p.VariantID, p.SchemaVersion)
	}
	s.versions[k] = append(s.versions[k], p)
	s.logger.Info("profile published", "method", p.MethodID, "variant", p.VariantID, "version", p.SchemaVersion)
	return nil
}

// Methods returns the known method ids in sorted order.
func (s *Store) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]bool{}
	var out []string
	for k := range s.versions {
		if !seen[k.method] {
			seen[k.method] = true
			out = append(out, k.method)
		}
	}
	sort.Strings(out)
	return out
}

// Variants returns the variants of method in sorted order, or
// unsupported_method if the method has none.
func (s *Store) Variants(method string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for k := range s.versions {
		if k.method == method {
			out = append(out, k.variant)
		}
	}
	if len(out) == 0 {
		return nil, model.NewError(model.CodeUnsupportedMethod, "no profile exists for method %q", method)
	}
	sort.Strings(out)
	return out, nil
}

// DefaultVariant picks the variant used when a caller names none: the
// lexicographically first variant containing "default", else the first
// variant overall.
func (s *Store) DefaultVariant(method string) (string, error) {
	variants, err := s.Variants(method)
	if err != nil {
		return "", err
	}
	for _, v := range variants {
		if strings.Contains(v, "default") {
			return v, nil
		}
	}
	return variants[0], nil
}

// Latest returns the newest version of (method, variant).
func (s *Store) Latest(method, variant string) (model.MethodProfile, error) {
	s.mu.RLock()
	vs := s.versions[variantKey{method, variant}]
	s.mu.RUnlock()

	if len(vs) == 0 {
		if _, err := s.Variants(method); err != nil {
			return model.MethodProfile{}, err
		}
		return model.MethodProfile{}, model.NewError(model.CodeUnsupportedVariant,
			"method %q has no variant %q", method, variant)
	}
	return vs[len(vs)-1], nil
}

// Get returns one specific version.
func (s *Store) Get(method, variant string, version int) (model.MethodProfile, error) {
	s.mu.RLock()
	vs := s.versions[variantKey{method, variant}]
	s.mu.RUnlock()

	for _, p := range vs {
		if p.SchemaVersion == version {
			return p, nil
		}
	}
	if _, err := s.Latest(method, variant); err != nil {
		return model.MethodProfile{}, err
	}
	return model.MethodProfile{}, model.NewError(model.CodeNotFound,
		"profile %s/%s has no version %d", method, variant, version)
}
