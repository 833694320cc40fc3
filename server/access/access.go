// Package access holds the write-permission policy for conversations.
package access

import (
	"github.com/campuslive/chat/server/store/types"
)

// CanPost reports whether the identity may post to the conversation.
// Admins and moderators may always post; everyone else may post only in
// direct conversations. Total and deterministic: nil inputs deny.
func CanPost(ident *types.Identity, conv *types.Conversation) bool {
	if ident == nil || conv == nil {
		return false
	}
	if ident.Role == types.RoleAdmin {
		return true
	}
	if conv.HasModerator(ident.Id) {
		return true
	}
	return conv.IsDirect
}
