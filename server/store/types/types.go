// Package types defines the objects persisted by the storage layer and the
// error taxonomy shared by all components.
package types

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strings"
	"time"
)

// StoreError is a fixed error value suitable for comparison with errors.Is.
type StoreError string

func (s StoreError) Error() string {
	return string(s)
}

const (
	// ErrValidation means malformed input: empty title, blank message body etc.
	// Detected before any write.
	ErrValidation = StoreError("malformed input")
	// ErrPermissionDenied means the requester's role or membership does not
	// allow the operation.
	ErrPermissionDenied = StoreError("permission denied")
	// ErrNotFound means the referenced conversation, message or identity
	// does not exist.
	ErrNotFound = StoreError("not found")
	// ErrPartialFailure means a multi-batch cascade committed some batches and
	// then failed. The operation is safe to retry.
	ErrPartialFailure = StoreError("cascade partially committed")
	// ErrUnavailable means the backing store could not be reached.
	ErrUnavailable = StoreError("store unavailable")
	// ErrAlreadyExists means a unique constraint was violated on insert.
	ErrAlreadyExists = StoreError("already exists")
)

// Uid is a database record id, suitable to be used as a primary key.
type Uid uint64

// ZeroUid is a marker of an invalid or unassigned id.
var ZeroUid Uid = 0

const (
	uidBase64Unpadded = 11
	uidBase64Padded   = 12

	dmBase64Unpadded = 22
)

// IsZero checks if the id is unassigned.
func (uid Uid) IsZero() bool {
	return uid == 0
}

// MarshalBinary converts the id to a byte slice.
func (uid Uid) MarshalBinary() ([]byte, error) {
	dst := make([]byte, 8)
	binary.LittleEndian.PutUint64(dst, uint64(uid))
	return dst, nil
}

// UnmarshalText reads the id from its base64 representation.
func (uid *Uid) UnmarshalText(src []byte) error {
	if len(src) != uidBase64Unpadded {
		return errors.New("Uid.UnmarshalText: invalid length")
	}
	dec := make([]byte, base64.URLEncoding.DecodedLen(uidBase64Padded))
	for len(src) < uidBase64Padded {
		src = append(src, '=')
	}
	count, err := base64.URLEncoding.Decode(dec, src)
	if count < 8 {
		if err != nil {
			return errors.New("Uid.UnmarshalText: failed to decode " + err.Error())
		}
		return errors.New("Uid.UnmarshalText: failed to decode")
	}
	*uid = Uid(binary.LittleEndian.Uint64(dec))
	return nil
}

// MarshalText converts the id to its base64 representation.
func (uid Uid) MarshalText() ([]byte, error) {
	if uid == 0 {
		return []byte{}, nil
	}
	src := make([]byte, 8)
	dst := make([]byte, base64.URLEncoding.EncodedLen(8))
	binary.LittleEndian.PutUint64(src, uint64(uid))
	base64.URLEncoding.Encode(dst, src)
	return dst[0:uidBase64Unpadded], nil
}

func (uid Uid) String() string {
	buf, _ := uid.MarshalText()
	return string(buf)
}

// ParseUid parses a base64-encoded id. Returns ZeroUid on failure.
func ParseUid(s string) Uid {
	var uid Uid
	uid.UnmarshalText([]byte(s))
	return uid
}

// DirectId derives the conversation id for the direct conversation between
// two identities: a digest of the sorted pair. The id depends only on the
// unordered pair, so concurrent first-contact between the same two identities
// converges on one document and creation becomes an idempotent upsert.
func DirectId(id1, id2 string) string {
	if id1 == "" || id2 == "" || id1 == id2 {
		// Direct conversation with self is not a thing.
		return ""
	}
	if id1 > id2 {
		id1, id2 = id2, id1
	}
	sum := sha256.Sum256([]byte(id1 + "\x00" + id2))
	return "dm" + base64.URLEncoding.EncodeToString(sum[:])[:dmBase64Unpadded]
}

// IsDirectId checks whether the conversation id has the shape of a
// deterministic direct-conversation id.
func IsDirectId(id string) bool {
	return strings.HasPrefix(id, "dm") && len(id) == 2+dmBase64Unpadded
}

// Role is the access level of an identity.
type Role string

// Role values.
const (
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Rank of the role for member-list ordering: admin first, teacher next,
// student last. Unknown roles sort after students.
func (r Role) Rank() int {
	switch r {
	case RoleAdmin:
		return 0
	case RoleTeacher:
		return 1
	case RoleStudent:
		return 2
	}
	return 3
}

// ParseRole converts a string to a Role. Unrecognized values map to student.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(s)) {
	case RoleAdmin:
		return RoleAdmin
	case RoleTeacher:
		return RoleTeacher
	}
	return RoleStudent
}

// TimeNow returns current wall time in UTC rounded to milliseconds.
func TimeNow() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

// Identity is a stable user record. Created lazily on first successful
// authentication, never deleted by this layer.
type Identity struct {
	Id          string `bson:"_id"`
	DisplayName string `bson:"displayname"`
	Role        Role   `bson:"role"`
	// Department the identity belongs to, optional.
	Department string `bson:"department,omitempty"`
	// Reference to the avatar image, optional.
	AvatarRef string    `bson:"avatar,omitempty"`
	CreatedAt time.Time `bson:"createdat"`
}

// Conversation is a named container of ordered messages and a member set.
// Generalizes both named groups and two-member direct conversations.
type Conversation struct {
	Id          string `bson:"_id"`
	Title       string `bson:"title"`
	Description string `bson:"description,omitempty"`
	Owner       string `bson:"owner"`
	// Ids of all identities allowed to read the conversation. Non-empty,
	// always includes the owner.
	Members []string `bson:"members"`
	// Subset of members allowed to post in non-direct conversations.
	Moderators []string  `bson:"moderators,omitempty"`
	IsDirect   bool      `bson:"isdirect"`
	CreatedAt  time.Time `bson:"createdat"`
	// Denormalized body of the latest message, drives list ordering.
	LastMessage   string    `bson:"lastmessage,omitempty"`
	LastMessageAt time.Time `bson:"lastmessageat"`
	IconRef       string    `bson:"icon,omitempty"`
}

// HasMember checks membership by identity id.
func (c *Conversation) HasMember(id string) bool {
	for _, m := range c.Members {
		if m == id {
			return true
		}
	}
	return false
}

// HasModerator checks if the identity is entitled to post in a restricted
// conversation.
func (c *Conversation) HasModerator(id string) bool {
	for _, m := range c.Moderators {
		if m == id {
			return true
		}
	}
	return false
}

// OtherMember returns the id of the direct conversation member which is not
// the given one. Empty string if the conversation is not direct or the given
// id is not a member.
func (c *Conversation) OtherMember(id string) string {
	if !c.IsDirect || len(c.Members) != 2 {
		return ""
	}
	if c.Members[0] == id {
		return c.Members[1]
	}
	if c.Members[1] == id {
		return c.Members[0]
	}
	return ""
}

// MessageKind is the payload type of a message.
type MessageKind string

// Message payload types.
const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
	KindFile  MessageKind = "file"
)

// Message is a single entry in a conversation. Immutable once stored except
// for ReadBy growth.
type Message struct {
	Id             string `bson:"_id"`
	ConversationId string `bson:"convid"`
	SenderId       string `bson:"from"`
	// Display name captured at send time. Not re-derived later: renaming an
	// identity does not relabel past messages.
	SenderDisplayName string      `bson:"fromname"`
	Body              string      `bson:"body"`
	SentAt            time.Time   `bson:"sentat"`
	ReadBy            []string    `bson:"readby"`
	Kind              MessageKind `bson:"kind"`
}

// ReadByUser checks if the given identity already marked the message as read.
func (m *Message) ReadByUser(id string) bool {
	for _, r := range m.ReadBy {
		if r == id {
			return true
		}
	}
	return false
}
