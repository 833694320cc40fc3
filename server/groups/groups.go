// Package groups maintains conversation records: creation, membership
// resolution and the member-visible list views.
package groups

import (
	"context"
	"fmt"
	"strings"

	"github.com/campuslive/chat/server/directory"
	"github.com/campuslive/chat/server/live"
	"github.com/campuslive/chat/server/store"
	"github.com/campuslive/chat/server/store/types"
)

// DefaultIconRef is assigned to conversations created without an icon.
const DefaultIconRef = "group_default_logo"

// CreateSpec carries the caller-supplied parameters of a new conversation.
type CreateSpec struct {
	Title       string
	Description string
	Members     []string
	Moderators  []string
	IconRef     string
}

// Directory is the conversation directory.
type Directory struct {
	dir  *directory.Service
	subs *live.Manager
}

// NewDirectory creates a conversation directory.
func NewDirectory(dir *directory.Service, subs *live.Manager) *Directory {
	return &Directory{dir: dir, subs: subs}
}

// Create makes a new non-direct conversation owned by the creator. Admins
// create unrestricted; everybody else may only create personal (non-broadcast)
// conversations, which is the same document shape with an empty moderator set.
// The creator is always a member. Direct conversations are never created here;
// they come from the messaging engine's dedup path.
func (d *Directory) Create(ctx context.Context, creator *types.Identity, spec CreateSpec) (*types.Conversation, error) {
	if creator == nil {
		return nil, types.ErrPermissionDenied
	}
	title := strings.TrimSpace(spec.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: conversation title is empty", types.ErrValidation)
	}
	if creator.Role != types.RoleAdmin && len(spec.Moderators) > 0 {
		// Broadcast-style conversations with a moderator set are an
		// admin-only construct.
		return nil, types.ErrPermissionDenied
	}

	now := types.TimeNow()
	conv := &types.Conversation{
		Title:       title,
		Description: strings.TrimSpace(spec.Description),
		Owner:       creator.Id,
		Members:     withMember(spec.Members, creator.Id),
		Moderators:  dedupe(spec.Moderators),
		CreatedAt:   now,
		// Seeded so the conversation sorts correctly in most-recent views
		// before any message exists.
		LastMessageAt: now,
		IconRef:       spec.IconRef,
	}
	if conv.IconRef == "" {
		conv.IconRef = DefaultIconRef
	}

	if err := store.Conversations.Create(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Get returns a conversation record.
func (d *Directory) Get(ctx context.Context, id string) (*types.Conversation, error) {
	return store.Conversations.Get(ctx, id)
}

// ListFor returns the conversations the identity is a member of, most
// recently active first.
func (d *Directory) ListFor(ctx context.Context, identityId string) ([]types.Conversation, error) {
	return store.Conversations.ListFor(ctx, identityId)
}

// WatchFor opens a live view of the conversations the identity is a member
// of, most recently active first. Release the handle with the manager's
// Unsubscribe.
func (d *Directory) WatchFor(ctx context.Context, identityId string) (*live.Handle, error) {
	return d.subs.Subscribe(ctx, store.CollConversations, store.ListForQuery(identityId))
}

// Members resolves the conversation's member set to identity records,
// ordered admins first, then teachers, then students, ties by display name.
func (d *Directory) Members(ctx context.Context, conversationId string) ([]types.Identity, error) {
	conv, err := store.Conversations.Get(ctx, conversationId)
	if err != nil {
		return nil, err
	}
	users, err := d.dir.FetchByIds(ctx, conv.Members)
	if err != nil {
		return nil, err
	}
	directory.SortByRole(users)
	return users, nil
}

// Remove deletes the conversation document itself. Child messages are the
// messaging engine's cascade; this is its final step.
func (d *Directory) Remove(ctx context.Context, conversationId string) error {
	return store.Conversations.Delete(ctx, conversationId)
}

// withMember returns the member list with the given id guaranteed present,
// duplicates dropped.
func withMember(members []string, id string) []string {
	out := dedupe(members)
	for _, m := range out {
		if m == id {
			return out
		}
	}
	return append(out, id)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
