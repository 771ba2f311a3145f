package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// EnvResolver is a strategy for locating the environment region.
type EnvResolver interface {
	Name() string
	Resolve(ctx context.Context, c *Catalog) (Region, error)
}

// CatalogEnv resolves the environment from the env-* catalog entries.
type CatalogEnv struct {
	// Lookup maps a label to a region, normally a flash backend's ResolveRegion
	Lookup func(c *Catalog, label string) (Region, error)
}

// Name implements EnvResolver.
func (CatalogEnv) Name() string { return "catalog" }

// Resolve implements EnvResolver.
func (s CatalogEnv) Resolve(ctx context.Context, c *Catalog) (Region, error) {
	if c == nil || !c.Has(LabelEnv) {
		return Region{}, fmt.Errorf("%w: %s-start", ErrMissing, LabelEnv)
	}
	return s.Lookup(c, LabelEnv)
}

// LegacyEnv picks one of the fixed slots used by images that predate the
// catalog. Every slot is probed and exactly one must hold a valid
// environment; zero or several matches are refused rather than guessed.
type LegacyEnv struct {
	Slots []Region

	// Probe reports whether a slot holds a valid environment
	Probe func(ctx context.Context, r Region) (bool, error)
}

// ErrAmbiguous is returned when several legacy slots probe valid.
var ErrAmbiguous = errors.New("ambiguous legacy environment")

// Name implements EnvResolver.
func (LegacyEnv) Name() string { return "legacy" }

// Resolve implements EnvResolver.
func (s LegacyEnv) Resolve(ctx context.Context, _ *Catalog) (Region, error) {
	var found []Region
	for _, slot := range s.Slots {
		if err := ctx.Err(); err != nil {
			return Region{}, err
		}
		ok, err := s.Probe(ctx, slot)
		if err != nil {
			continue
		}
		if ok {
			found = append(found, slot)
		}
	}
	switch len(found) {
	case 0:
		return Region{}, fmt.Errorf("%w: no legacy environment slot holds a valid environment", ErrMissing)
	case 1:
		return found[0], nil
	default:
		names := make([]string, len(found))
		for i, r := range found {
			names[i] = r.String()
		}
		return Region{}, fmt.Errorf("%w: %s", ErrAmbiguous, strings.Join(names, " "))
	}
}

// ChainEnv tries each strategy in order.
type ChainEnv []EnvResolver

// Name implements EnvResolver.
func (c ChainEnv) Name() string {
	names := make([]string, len(c))
	for i, s := range c {
		names[i] = s.Name()
	}
	return strings.Join(names, ",")
}

// Resolve implements EnvResolver.
func (c ChainEnv) Resolve(ctx context.Context, cat *Catalog) (Region, error) {
	r, _, err := c.ResolveNamed(ctx, cat)
	return r, err
}

// ResolveNamed is Resolve that also reports which strategy succeeded.
// Configuration errors other than a missing entry stop the chain.
func (c ChainEnv) ResolveNamed(ctx context.Context, cat *Catalog) (Region, string, error) {
	var errs []error
	for _, s := range c {
		r, err := s.Resolve(ctx, cat)
		if err == nil {
			return r, s.Name(), nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		if !errors.Is(err, ErrMissing) {
			break
		}
	}
	return Region{}, "", errors.Join(errs...)
}
