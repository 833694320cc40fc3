// Package messaging implements the write paths of the chat core: sending
// messages, clearing and deleting conversations with their message cascade,
// and deduplicated direct conversations.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/campuslive/chat/server/access"
	"github.com/campuslive/chat/server/db"
	"github.com/campuslive/chat/server/directory"
	"github.com/campuslive/chat/server/groups"
	"github.com/campuslive/chat/server/live"
	"github.com/campuslive/chat/server/logs"
	"github.com/campuslive/chat/server/store"
	"github.com/campuslive/chat/server/store/types"
)

// clearedNotice is the conversation summary left behind when an administrator
// wipes the message history.
const clearedNotice = "Chat cleared by admin"

// Engine exposes the messaging operations. One instance is shared by all
// callers.
type Engine struct {
	dir    *directory.Service
	groups *groups.Directory
	subs   *live.Manager
}

// NewEngine creates a messaging engine on top of the given directory and
// subscription manager.
func NewEngine(dir *directory.Service, grp *groups.Directory, subs *live.Manager) *Engine {
	return &Engine{dir: dir, groups: grp, subs: subs}
}

// Send appends a message to a conversation and bumps the conversation's
// last-message summary. The message insert always lands before the summary
// update; if only the summary update fails the message is still persisted and
// the returned error says so.
//
// Administrators post under the fixed display name "Admin" regardless of
// their directory profile.
func (e *Engine) Send(ctx context.Context, conversationId, senderId, body string) (*types.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("send: blank body: %w", types.ErrValidation)
	}

	conv, err := store.Conversations.Get(ctx, conversationId)
	if err != nil {
		return nil, fmt.Errorf("send: conversation %s: %w", conversationId, err)
	}
	sender, err := e.dir.Get(ctx, senderId)
	if err != nil {
		return nil, fmt.Errorf("send: sender %s: %w", senderId, err)
	}
	if !access.CanPost(sender, conv) {
		return nil, fmt.Errorf("send: %s in %s: %w", senderId, conversationId, types.ErrPermissionDenied)
	}

	from := sender.DisplayName
	if sender.Role == types.RoleAdmin {
		from = "Admin"
	}
	msg := &types.Message{
		ConversationId:    conv.Id,
		SenderId:          sender.Id,
		SenderDisplayName: from,
		Body:              body,
		Kind:              types.KindText,
		ReadBy:            []string{sender.Id},
	}
	if err = store.Messages.Save(ctx, msg); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	err = store.Conversations.Update(ctx, conv.Id, map[string]any{
		"lastmessage":   msg.Body,
		"lastmessageat": msg.SentAt,
	})
	if err != nil {
		// The message is durable; only the denormalized summary is stale.
		logs.Warning.Printf("send: summary update failed for %s: %v", conv.Id, err)
		return msg, fmt.Errorf("send: message stored, summary update failed: %w", err)
	}
	return msg, nil
}

// History returns the full message log of a conversation in send order.
func (e *Engine) History(ctx context.Context, conversationId string) ([]types.Message, error) {
	return store.Messages.GetAll(ctx, conversationId)
}

// Watch opens a live view over a conversation's messages. Every delivery is
// the complete log; decode it with store.DecodeMessages.
func (e *Engine) Watch(ctx context.Context, conversationId string) (*live.Handle, error) {
	return e.subs.Subscribe(ctx, store.CollMessages, store.MessagesQuery(conversationId))
}

// MarkRead records that the identity has seen the message. Marking an already
// read message is a no-op.
func (e *Engine) MarkRead(ctx context.Context, requesterId, messageId string) error {
	msg, err := store.Messages.Get(ctx, messageId)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if msg.ReadByUser(requesterId) {
		return nil
	}
	return store.Messages.Update(ctx, messageId, map[string]any{
		"readby": append(msg.ReadBy, requesterId),
	})
}

// Clear wipes a conversation's message history, leaving the conversation
// itself in place with a summary telling members what happened. Admin only.
// Clearing an empty conversation succeeds without touching the message
// collection.
func (e *Engine) Clear(ctx context.Context, requesterId, conversationId string) error {
	if err := e.requireAdmin(ctx, requesterId); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	conv, err := store.Conversations.Get(ctx, conversationId)
	if err != nil {
		return fmt.Errorf("clear: conversation %s: %w", conversationId, err)
	}

	committed, err := e.purgeMessages(ctx, conv.Id)
	if err != nil {
		return cascadeError("clear", conv.Id, committed, err)
	}

	err = store.Conversations.Update(ctx, conv.Id, map[string]any{
		"lastmessage":   clearedNotice,
		"lastmessageat": types.TimeNow(),
	})
	if err != nil {
		return cascadeError("clear", conv.Id, committed, err)
	}
	return nil
}

// DeleteConversation removes a conversation and everything under it. Admin
// only. The cascade runs in two phases: the message log goes first in bounded
// batches, the conversation document last, so a conversation is never left
// referencing a half-deleted log without the operation saying so. Deleting
// the same conversation twice reports not-found the second time.
func (e *Engine) DeleteConversation(ctx context.Context, requesterId, conversationId string) error {
	if err := e.requireAdmin(ctx, requesterId); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	conv, err := store.Conversations.Get(ctx, conversationId)
	if err != nil {
		return fmt.Errorf("delete conversation: %s: %w", conversationId, err)
	}

	committed, err := e.purgeMessages(ctx, conv.Id)
	if err != nil {
		// The conversation document stays, so a retry resumes the cascade.
		return cascadeError("delete conversation", conv.Id, committed, err)
	}
	if err = e.groups.Remove(ctx, conv.Id); err != nil {
		return cascadeError("delete conversation", conv.Id, committed, err)
	}
	return nil
}

// GetOrCreateDirect returns the one direct conversation between the two
// identities, creating it if it does not exist. The conversation id is
// derived from the identity pair, so concurrent first-contact from both
// sides converges on a single document instead of racing into duplicates.
func (e *Engine) GetOrCreateDirect(ctx context.Context, requesterId, otherId string) (*types.Conversation, error) {
	if requesterId == otherId {
		return nil, fmt.Errorf("direct: conversation with self: %w", types.ErrValidation)
	}
	requester, err := e.dir.Get(ctx, requesterId)
	if err != nil {
		return nil, fmt.Errorf("direct: requester %s: %w", requesterId, err)
	}
	other, err := e.dir.Get(ctx, otherId)
	if err != nil {
		return nil, fmt.Errorf("direct: peer %s: %w", otherId, err)
	}

	id := types.DirectId(requester.Id, other.Id)
	conv, err := store.Conversations.Get(ctx, id)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("direct: %w", err)
	}

	// Direct conversations created before ids became deterministic are found
	// by scanning the requester's side.
	existing, err := store.Conversations.FindDirect(ctx, requester.Id)
	if err != nil {
		return nil, fmt.Errorf("direct: %w", err)
	}
	for i := range existing {
		if existing[i].HasMember(other.Id) {
			return &existing[i], nil
		}
	}

	conv = &types.Conversation{
		Id:            id,
		Title:         other.DisplayName,
		Owner:         requester.Id,
		Members:       []string{requester.Id, other.Id},
		IsDirect:      true,
		LastMessageAt: types.TimeNow(),
	}
	// Create is an upsert keyed on the deterministic id: losing a creation
	// race just rewrites the same document.
	if err = store.Conversations.Create(ctx, conv); err != nil {
		return nil, fmt.Errorf("direct: %w", err)
	}
	return conv, nil
}

func (e *Engine) requireAdmin(ctx context.Context, requesterId string) error {
	requester, err := e.dir.Get(ctx, requesterId)
	if err != nil {
		return err
	}
	if requester.Role != types.RoleAdmin {
		return fmt.Errorf("%s is not an administrator: %w", requesterId, types.ErrPermissionDenied)
	}
	return nil
}

// purgeMessages deletes a conversation's entire message log in batches of at
// most db.MaxBatchOps operations. It reports how many batches committed
// before any failure.
func (e *Engine) purgeMessages(ctx context.Context, conversationId string) (int, error) {
	committed := 0
	for {
		ids, err := store.Messages.IDs(ctx, conversationId)
		if err != nil {
			return committed, err
		}
		if len(ids) == 0 {
			return committed, nil
		}
		for len(ids) > 0 {
			n := len(ids)
			if n > db.MaxBatchOps {
				n = db.MaxBatchOps
			}
			batch := store.Batch()
			for _, id := range ids[:n] {
				batch.Delete(store.CollMessages, id)
			}
			if err := batch.Commit(ctx); err != nil {
				return committed, err
			}
			committed++
			ids = ids[n:]
		}
	}
}

// cascadeError wraps a cascade failure. A failure after at least one
// committed batch is a partial failure: some children are gone, the rest and
// the parent remain, and the caller should retry.
func cascadeError(op, conversationId string, committed int, err error) error {
	if committed == 0 {
		return fmt.Errorf("%s: %s: %w", op, conversationId, err)
	}
	return fmt.Errorf("%s: %s: %d batches committed, then: %v: %w",
		op, conversationId, committed, err, types.ErrPartialFailure)
}
