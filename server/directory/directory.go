// Package directory provides batch lookup, search and validation of
// identities, plus lazy identity creation on first authentication.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/campuslive/chat/server/concurrency"
	"github.com/campuslive/chat/server/db"
	"github.com/campuslive/chat/server/store"
	"github.com/campuslive/chat/server/store/types"
)

// SearchLimit is the hard ceiling on search result size.
const SearchLimit = 20

// ListLimit is the hard ceiling on full-directory listings.
const ListLimit = 50

// RoleResolver derives the role of a first-time identity from the external
// identifier it authenticated with. Pluggable so the policy can be replaced
// without touching this package.
type RoleResolver interface {
	Resolve(identifier string) types.Role
}

// RegNumberLength resolves the role from the length of the registration
// number: 4 digits is an administrative account, 5 a teacher, anything else a
// student. A fragile convention inherited from the campus registry; replace
// the resolver when the registry changes.
type RegNumberLength struct{}

// Resolve implements RoleResolver.
func (RegNumberLength) Resolve(identifier string) types.Role {
	switch len(identifier) {
	case 4:
		return types.RoleAdmin
	case 5:
		return types.RoleTeacher
	default:
		return types.RoleStudent
	}
}

// validateWorkers bounds the concurrent store lookups of a Validate call.
const validateWorkers = 8

// Service is the identity directory.
type Service struct {
	resolver RoleResolver
	checks   *concurrency.GoRoutinePool
}

// NewService creates a directory service with the given role resolver.
// A nil resolver defaults to the registration-number convention.
func NewService(resolver RoleResolver) *Service {
	if resolver == nil {
		resolver = RegNumberLength{}
	}
	return &Service{
		resolver: resolver,
		checks:   concurrency.NewGoRoutinePool(validateWorkers),
	}
}

// Search returns identities whose display name starts with the given prefix,
// case-insensitively, ordered by display name. The limit is clamped to
// SearchLimit.
func (s *Service) Search(ctx context.Context, prefix string, limit int) ([]types.Identity, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, fmt.Errorf("%w: empty search prefix", types.ErrValidation)
	}
	if limit <= 0 || limit > SearchLimit {
		limit = SearchLimit
	}
	return store.Users.Search(ctx, prefix, limit)
}

// List returns up to ListLimit identities ordered by display name. Backs
// member-selection surfaces.
func (s *Service) List(ctx context.Context) ([]types.Identity, error) {
	return store.Users.List(ctx, ListLimit)
}

// Get returns a single identity.
func (s *Service) Get(ctx context.Context, id string) (*types.Identity, error) {
	return store.Users.Get(ctx, id)
}

// FetchByIds resolves a set of identity ids to records. The store's `in`
// primitive caps its argument list, so the input is partitioned into
// ceil(n/cap) batches issued sequentially and the results concatenated.
// Duplicate input ids collapse to one record; missing ids are silently
// omitted, not errored.
func (s *Service) FetchByIds(ctx context.Context, ids []string) ([]types.Identity, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	// Dedupe so an id appearing in two batches cannot yield two records.
	seen := make(map[string]struct{}, len(ids))
	uniq := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}

	var all []types.Identity
	for i := 0; i < len(uniq); i += db.MaxInValues {
		end := i + db.MaxInValues
		if end > len(uniq) {
			end = len(uniq)
		}
		batch, err := store.Users.GetAll(ctx, uniq[i:end]...)
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
	}
	return all, nil
}

// Validate checks each id for existence. Best-effort and non-transactional:
// an id whose lookup errors is classified as invalid rather than aborting the
// whole batch. Lookups fan out over the service's worker pool; the result
// keeps the input order.
func (s *Service) Validate(ctx context.Context, ids []string) (valid, invalid []string) {
	ok := make([]bool, len(ids))
	s.checks.Each(len(ids), func(i int) {
		_, err := store.Users.Get(ctx, ids[i])
		ok[i] = err == nil
	})
	for i, id := range ids {
		if ok[i] {
			valid = append(valid, id)
		} else {
			invalid = append(invalid, id)
		}
	}
	return valid, invalid
}

// EnsureIdentity returns the identity for an authenticated external
// identifier, creating a default record on first contact. The role is derived
// by the configured resolver; the placeholder display name mirrors the
// identifier until the user sets a real one.
func (s *Service) EnsureIdentity(ctx context.Context, identifier string) (*types.Identity, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, fmt.Errorf("%w: empty identifier", types.ErrValidation)
	}

	user, err := store.Users.Get(ctx, identifier)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	user = &types.Identity{
		Id:          identifier,
		DisplayName: "Reg: " + identifier,
		Role:        s.resolver.Resolve(identifier),
		CreatedAt:   types.TimeNow(),
	}
	if err = store.Users.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// UpdateRole changes the role of an identity. Only an admin may do this.
func (s *Service) UpdateRole(ctx context.Context, requester *types.Identity, id string, role types.Role) error {
	if requester == nil || requester.Role != types.RoleAdmin {
		return types.ErrPermissionDenied
	}
	return store.Users.Update(ctx, id, map[string]any{"role": role})
}

// UpdateAvatar changes the avatar reference of an identity. Self-service:
// identities may only update their own avatar, admins anyone's.
func (s *Service) UpdateAvatar(ctx context.Context, requester *types.Identity, id, avatarRef string) error {
	if requester == nil {
		return types.ErrPermissionDenied
	}
	if requester.Id != id && requester.Role != types.RoleAdmin {
		return types.ErrPermissionDenied
	}
	return store.Users.Update(ctx, id, map[string]any{"avatar": avatarRef})
}

// SortByRole orders identities for member-list presentation: admins first,
// then teachers, then students, ties broken by display name. This ordering is
// a contract of the member view, not an accident of storage order.
func SortByRole(users []types.Identity) {
	sort.SliceStable(users, func(i, j int) bool {
		ri, rj := users[i].Role.Rank(), users[j].Role.Rank()
		if ri != rj {
			return ri < rj
		}
		return users[i].DisplayName < users[j].DisplayName
	})
}
