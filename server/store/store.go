// Package store provides methods for registering database adapters and for
// mapping domain objects onto document-store collections.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/campuslive/chat/server/db"
	"github.com/campuslive/chat/server/store/types"
)

// Collection names.
const (
	CollIdentities    = "identities"
	CollConversations = "conversations"
	CollMessages      = "messages"
)

var adp db.Adapter
var availableAdapters = make(map[string]db.Adapter)

// Unique ID generator.
var uGen types.UidGenerator

type configType struct {
	// 16-byte key for XTEA. Used to initialize types.UidGenerator.
	UidKey []byte `json:"uid_key"`
	// Maximum number of results to return from the adapter.
	MaxResults int `json:"max_results"`
	// Adapter name to use. Should be one of those specified in `Adapters`.
	UseAdapter string `json:"use_adapter"`
	// Configurations for individual adapters.
	Adapters map[string]json.RawMessage `json:"adapters"`
}

func openAdapter(workerId int, jsonconf json.RawMessage) error {
	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("store: failed to parse config: " + err.Error() + "(" + string(jsonconf) + ")")
	}

	if adp == nil {
		if len(config.UseAdapter) > 0 {
			// Adapter name specified explicitly.
			if ad, ok := availableAdapters[config.UseAdapter]; ok {
				adp = ad
			} else {
				return errors.New("store: " + config.UseAdapter + " adapter is not available in this binary")
			}
		} else if len(availableAdapters) == 1 {
			// Default to the only entry in availableAdapters.
			for _, v := range availableAdapters {
				adp = v
			}
		} else {
			return errors.New("store: db adapter is not specified. Please set `store_config.use_adapter`")
		}
	}

	if adp.IsOpen() {
		return errors.New("store: connection is already opened")
	}

	// Initialize snowflake.
	if workerId < 0 || workerId > 1023 {
		return errors.New("store: invalid worker ID")
	}

	if err := uGen.Init(uint(workerId), config.UidKey); err != nil {
		return errors.New("store: failed to init snowflake: " + err.Error())
	}

	if err := adp.SetMaxResults(config.MaxResults); err != nil {
		return err
	}

	var adapterConfig json.RawMessage
	if config.Adapters != nil {
		adapterConfig = config.Adapters[adp.GetName()]
	}

	return adp.Open(adapterConfig)
}

// RegisterAdapter makes a persistence adapter available.
// If it is called twice for the same adapter name or if the adapter is nil, it panics.
func RegisterAdapter(a db.Adapter) {
	if a == nil {
		panic("store: Register adapter is nil")
	}

	adapterName := a.GetName()
	if _, ok := availableAdapters[adapterName]; ok {
		panic("store: adapter '" + adapterName + "' is already registered")
	}
	availableAdapters[adapterName] = a
}

// Open initializes the persistence system. The adapter holds a connection pool
// for a single store instance.
//   workerId - unique integer id of the running process, used for uid generation
//   jsonconf - configuration string
func Open(workerId int, jsonconf json.RawMessage) error {
	return openAdapter(workerId, jsonconf)
}

// Close terminates the connection to persistent storage.
func Close() error {
	if adp != nil && adp.IsOpen() {
		return adp.Close()
	}
	return nil
}

// IsOpen checks if the persistent storage connection has been initialized.
func IsOpen() bool {
	return adp != nil && adp.IsOpen()
}

// GetAdapterName returns the name of the current adapter.
func GetAdapterName() string {
	if adp != nil {
		return adp.GetName()
	}
	return ""
}

// GetUid generates a unique ID suitable for use as a document primary key.
func GetUid() types.Uid {
	return uGen.Get()
}

// GetUidString generates a unique ID as a string.
func GetUidString() string {
	return uGen.GetStr()
}

// Subscribe opens a live query against the shared adapter.
func Subscribe(ctx context.Context, collection string, q db.Query) (db.Live, error) {
	return adp.Subscribe(ctx, collection, q)
}

// Batch starts a new write batch against the shared adapter.
func Batch() db.Batch {
	return adp.Batch()
}

// DecodeIdentities converts raw query results to identity records.
func DecodeIdentities(docs []bson.Raw) ([]types.Identity, error) {
	out := make([]types.Identity, 0, len(docs))
	for _, doc := range docs {
		var u types.Identity
		if err := bson.Unmarshal(doc, &u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// DecodeConversations converts raw query results to conversation records.
func DecodeConversations(docs []bson.Raw) ([]types.Conversation, error) {
	out := make([]types.Conversation, 0, len(docs))
	for _, doc := range docs {
		var c types.Conversation
		if err := bson.Unmarshal(doc, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// DecodeMessages converts raw query results to message records.
func DecodeMessages(docs []bson.Raw) ([]types.Message, error) {
	out := make([]types.Message, 0, len(docs))
	for _, doc := range docs {
		var m types.Message
		if err := bson.Unmarshal(doc, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// UsersPersistenceInterface is an interface for a persistence mapper for the
// Identity object.
type UsersPersistenceInterface interface {
	Create(ctx context.Context, user *types.Identity) error
	Get(ctx context.Context, id string) (*types.Identity, error)
	GetAll(ctx context.Context, ids ...string) ([]types.Identity, error)
	Update(ctx context.Context, id string, update map[string]any) error
	Search(ctx context.Context, prefix string, limit int) ([]types.Identity, error)
	List(ctx context.Context, limit int) ([]types.Identity, error)
	Count(ctx context.Context) (int64, error)
}

// UsersPersistenceMapper is a concrete mapper for Identity objects.
type UsersPersistenceMapper struct{}

// Users is the anchor for storing/retrieving Identity objects.
var Users UsersPersistenceInterface = UsersPersistenceMapper{}

// Create inserts an Identity, assigning a primary key when unset.
func (UsersPersistenceMapper) Create(ctx context.Context, user *types.Identity) error {
	if user.Id == "" {
		user.Id = GetUidString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = types.TimeNow()
	}
	return adp.Set(ctx, CollIdentities, user.Id, user)
}

// Get returns an identity record for the given id.
func (UsersPersistenceMapper) Get(ctx context.Context, id string) (*types.Identity, error) {
	var u types.Identity
	if err := adp.Get(ctx, CollIdentities, id, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetAll returns identity records for a list of ids in a single `in` query.
// The id count must not exceed db.MaxInValues; callers with larger inputs
// partition first. Missing ids are silently omitted.
func (UsersPersistenceMapper) GetAll(ctx context.Context, ids ...string) ([]types.Identity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	docs, err := adp.Query(ctx, CollIdentities, db.Query{
		Filters: []db.Filter{{Field: "_id", Op: db.OpIn, Value: ids}},
	})
	if err != nil {
		return nil, err
	}
	return DecodeIdentities(docs)
}

// Update is a general-purpose update of an identity record.
func (UsersPersistenceMapper) Update(ctx context.Context, id string, update map[string]any) error {
	return adp.Update(ctx, CollIdentities, id, update)
}

// Search returns identities whose display name starts with the given prefix,
// case-insensitively, ordered by display name.
func (UsersPersistenceMapper) Search(ctx context.Context, prefix string, limit int) ([]types.Identity, error) {
	docs, err := adp.Query(ctx, CollIdentities, db.Query{
		Filters: []db.Filter{{Field: "displayname", Op: db.OpPrefix, Value: prefix}},
		Sort:    []db.Order{{Field: "displayname"}},
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	return DecodeIdentities(docs)
}

// List returns up to limit identity records ordered by display name.
func (UsersPersistenceMapper) List(ctx context.Context, limit int) ([]types.Identity, error) {
	docs, err := adp.Query(ctx, CollIdentities, db.Query{
		Sort:  []db.Order{{Field: "displayname"}},
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	return DecodeIdentities(docs)
}

// Count reports the total number of registered identities.
func (UsersPersistenceMapper) Count(ctx context.Context) (int64, error) {
	return adp.Count(ctx, CollIdentities, db.Query{})
}

// ConversationsPersistenceInterface is an interface for a persistence mapper
// for the Conversation object.
type ConversationsPersistenceInterface interface {
	Create(ctx context.Context, conv *types.Conversation) error
	Get(ctx context.Context, id string) (*types.Conversation, error)
	ListFor(ctx context.Context, identityId string) ([]types.Conversation, error)
	FindDirect(ctx context.Context, identityId string) ([]types.Conversation, error)
	Update(ctx context.Context, id string, update map[string]any) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)
}

// ConversationsPersistenceMapper is a concrete mapper for Conversation objects.
type ConversationsPersistenceMapper struct{}

// Conversations is the anchor for storing/retrieving Conversation objects.
var Conversations ConversationsPersistenceInterface = ConversationsPersistenceMapper{}

// Create inserts a Conversation, assigning a primary key when unset. The
// write is an upsert: creating a conversation with a deterministic direct id
// twice converges on a single document.
func (ConversationsPersistenceMapper) Create(ctx context.Context, conv *types.Conversation) error {
	if conv.Id == "" {
		conv.Id = GetUidString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = types.TimeNow()
	}
	return adp.Set(ctx, CollConversations, conv.Id, conv)
}

// Get returns a conversation record for the given id.
func (ConversationsPersistenceMapper) Get(ctx context.Context, id string) (*types.Conversation, error) {
	var c types.Conversation
	if err := adp.Get(ctx, CollConversations, id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListFor returns all conversations the identity is a member of, most
// recently active first.
func (ConversationsPersistenceMapper) ListFor(ctx context.Context, identityId string) ([]types.Conversation, error) {
	docs, err := adp.Query(ctx, CollConversations, ListForQuery(identityId))
	if err != nil {
		return nil, err
	}
	return DecodeConversations(docs)
}

// FindDirect returns the direct conversations the identity is a member of.
func (ConversationsPersistenceMapper) FindDirect(ctx context.Context, identityId string) ([]types.Conversation, error) {
	docs, err := adp.Query(ctx, CollConversations, db.Query{
		Filters: []db.Filter{
			{Field: "isdirect", Op: db.OpEqual, Value: true},
			{Field: "members", Op: db.OpContains, Value: identityId},
		},
	})
	if err != nil {
		return nil, err
	}
	return DecodeConversations(docs)
}

// Update is a general-purpose update of a conversation record.
func (ConversationsPersistenceMapper) Update(ctx context.Context, id string, update map[string]any) error {
	return adp.Update(ctx, CollConversations, id, update)
}

// Delete removes the conversation document only. Child messages are the
// messaging engine's cascade to deal with.
func (ConversationsPersistenceMapper) Delete(ctx context.Context, id string) error {
	return adp.Delete(ctx, CollConversations, id)
}

// Count reports the total number of conversations, direct ones included.
func (ConversationsPersistenceMapper) Count(ctx context.Context) (int64, error) {
	return adp.Count(ctx, CollConversations, db.Query{})
}

// MessagesPersistenceInterface is an interface for a persistence mapper for
// the Message object.
type MessagesPersistenceInterface interface {
	Save(ctx context.Context, msg *types.Message) error
	Get(ctx context.Context, id string) (*types.Message, error)
	GetAll(ctx context.Context, conversationId string) ([]types.Message, error)
	IDs(ctx context.Context, conversationId string) ([]string, error)
	Update(ctx context.Context, id string, update map[string]any) error
	CountSince(ctx context.Context, since time.Time) (int64, error)
}

// MessagesPersistenceMapper is a concrete mapper for Message objects.
type MessagesPersistenceMapper struct{}

// Messages is the anchor for storing/retrieving Message objects.
var Messages MessagesPersistenceInterface = MessagesPersistenceMapper{}

// Save persists a new message, assigning a primary key when unset.
func (MessagesPersistenceMapper) Save(ctx context.Context, msg *types.Message) error {
	if msg.Id == "" {
		msg.Id = GetUidString()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = types.TimeNow()
	}
	return adp.Set(ctx, CollMessages, msg.Id, msg)
}

// Get returns a single message by id.
func (MessagesPersistenceMapper) Get(ctx context.Context, id string) (*types.Message, error) {
	var m types.Message
	if err := adp.Get(ctx, CollMessages, id, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetAll returns the messages of a conversation in send order.
func (MessagesPersistenceMapper) GetAll(ctx context.Context, conversationId string) ([]types.Message, error) {
	docs, err := adp.Query(ctx, CollMessages, MessagesQuery(conversationId))
	if err != nil {
		return nil, err
	}
	return DecodeMessages(docs)
}

// IDs returns the ids of all messages in a conversation.
func (MessagesPersistenceMapper) IDs(ctx context.Context, conversationId string) ([]string, error) {
	msgs, err := Messages.GetAll(ctx, conversationId)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].Id
	}
	return ids, nil
}

// Update modifies fields of a stored message. Only ReadBy growth is legitimate.
func (MessagesPersistenceMapper) Update(ctx context.Context, id string, update map[string]any) error {
	return adp.Update(ctx, CollMessages, id, update)
}

// CountSince reports how many messages across all conversations were sent at
// or after the given time.
func (MessagesPersistenceMapper) CountSince(ctx context.Context, since time.Time) (int64, error) {
	return adp.Count(ctx, CollMessages, db.Query{
		Filters: []db.Filter{{Field: "sentat", Op: db.OpGreaterEqual, Value: since}},
	})
}

// ListForQuery describes the live view "conversations visible to identity X",
// most recently active first.
func ListForQuery(identityId string) db.Query {
	return db.Query{
		Filters: []db.Filter{{Field: "members", Op: db.OpContains, Value: identityId}},
		Sort:    []db.Order{{Field: "lastmessageat", Desc: true}},
	}
}

// MessagesQuery describes the live view "messages in conversation G" in send
// order. Ties on the send timestamp fall back to the primary key so the order
// is deterministic.
func MessagesQuery(conversationId string) db.Query {
	return db.Query{
		Filters: []db.Filter{{Field: "convid", Op: db.OpEqual, Value: conversationId}},
		Sort:    []db.Order{{Field: "sentat"}, {Field: "_id"}},
	}
}
