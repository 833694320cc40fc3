package messaging

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/campuslive/chat/server/db/memdb"
	"github.com/campuslive/chat/server/directory"
	"github.com/campuslive/chat/server/groups"
	"github.com/campuslive/chat/server/live"
	"github.com/campuslive/chat/server/store"
	"github.com/campuslive/chat/server/store/storetest"
	"github.com/campuslive/chat/server/store/types"
)

func newEngine(t *testing.T) (*Engine, *memdb.Adapter) {
	t.Helper()
	adp := storetest.Open(t)
	subs := live.NewManager()
	t.Cleanup(subs.Shutdown)
	dir := directory.NewService(nil)
	return NewEngine(dir, groups.NewDirectory(dir, subs), subs), adp
}

func newUser(t *testing.T, id, name string, role types.Role) *types.Identity {
	t.Helper()
	user := &types.Identity{Id: id, DisplayName: name, Role: role}
	if err := store.Users.Create(context.Background(), user); err != nil {
		t.Fatalf("failed to create identity %s: %v", id, err)
	}
	return user
}

func newGroup(t *testing.T, owner *types.Identity, title string, members, moderators []string) *types.Conversation {
	t.Helper()
	conv := &types.Conversation{
		Title:      title,
		Owner:      owner.Id,
		Members:    append([]string{owner.Id}, members...),
		Moderators: moderators,
	}
	if err := store.Conversations.Create(context.Background(), conv); err != nil {
		t.Fatalf("failed to create conversation %s: %v", title, err)
	}
	return conv
}

func seedMessages(t *testing.T, convId string, n int) {
	t.Helper()
	ctx := context.Background()
	base := types.TimeNow().Add(-time.Hour)
	for i := 0; i < n; i++ {
		msg := &types.Message{
			ConversationId:    convId,
			SenderId:          "seed",
			SenderDisplayName: "Seed",
			Body:              fmt.Sprintf("message %d", i),
			SentAt:            base.Add(time.Duration(i) * time.Second),
			Kind:              types.KindText,
		}
		if err := store.Messages.Save(ctx, msg); err != nil {
			t.Fatalf("failed to seed message %d: %v", i, err)
		}
	}
}

func TestSendAdminSubstitution(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	admin := newUser(t, "1234", "Registrar", types.RoleAdmin)
	conv := newGroup(t, admin, "Campus notices", []string{"send-s1"}, []string{admin.Id})

	msg, err := eng.Send(ctx, conv.Id, admin.Id, "Welcome")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.SenderDisplayName != "Admin" {
		t.Errorf("sender display name = %q, want %q", msg.SenderDisplayName, "Admin")
	}
	if msg.SenderId != admin.Id {
		t.Errorf("sender id = %q, want %q", msg.SenderId, admin.Id)
	}
	if !msg.ReadByUser(admin.Id) {
		t.Error("message not marked read by its sender")
	}

	got, err := store.Conversations.Get(ctx, conv.Id)
	if err != nil {
		t.Fatal(err)
	}
	if got.LastMessage != "Welcome" {
		t.Errorf("conversation summary = %q, want %q", got.LastMessage, "Welcome")
	}
	if !got.LastMessageAt.Equal(msg.SentAt) {
		t.Errorf("summary time = %v, want message time %v", got.LastMessageAt, msg.SentAt)
	}
}

func TestSendKeepsDisplayName(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	teacher := newUser(t, "56789", "Prof. Oak", types.RoleTeacher)
	conv := newGroup(t, teacher, "Botany", nil, []string{teacher.Id})

	msg, err := eng.Send(ctx, conv.Id, teacher.Id, "Homework is out")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.SenderDisplayName != "Prof. Oak" {
		t.Errorf("sender display name = %q, want profile name", msg.SenderDisplayName)
	}
}

func TestSendPermissions(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	teacher := newUser(t, "perm-teacher", "Mod", types.RoleTeacher)
	student := newUser(t, "perm-student", "Fresher", types.RoleStudent)

	group := newGroup(t, teacher, "Restricted", []string{student.Id}, []string{teacher.Id})
	if _, err := eng.Send(ctx, group.Id, student.Id, "hi all"); !errors.Is(err, types.ErrPermissionDenied) {
		t.Errorf("student in restricted group: err = %v, want ErrPermissionDenied", err)
	}
	if _, err := eng.Send(ctx, group.Id, teacher.Id, "quiet please"); err != nil {
		t.Errorf("moderator in restricted group: %v", err)
	}

	direct := &types.Conversation{
		Id:       types.DirectId(teacher.Id, student.Id),
		Title:    "Mod",
		Owner:    student.Id,
		Members:  []string{student.Id, teacher.Id},
		IsDirect: true,
	}
	if err := store.Conversations.Create(ctx, direct); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Send(ctx, direct.Id, student.Id, "question"); err != nil {
		t.Errorf("student in direct conversation: %v", err)
	}
}

func TestSendValidation(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	admin := newUser(t, "val-admin", "Root", types.RoleAdmin)
	conv := newGroup(t, admin, "Empty bodies", nil, nil)

	if _, err := eng.Send(ctx, conv.Id, admin.Id, "   \t\n"); !errors.Is(err, types.ErrValidation) {
		t.Errorf("blank body: err = %v, want ErrValidation", err)
	}
	if _, err := eng.Send(ctx, "no-such-conv", admin.Id, "hello"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("missing conversation: err = %v, want ErrNotFound", err)
	}
	if _, err := eng.Send(ctx, conv.Id, "no-such-user", "hello"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("missing sender: err = %v, want ErrNotFound", err)
	}
}

func TestHistoryOrder(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	admin := newUser(t, "hist-admin", "Root", types.RoleAdmin)
	conv := newGroup(t, admin, "Ordered", nil, nil)

	// Insert out of send order; history must come back by send time.
	now := types.TimeNow()
	for i, offset := range []time.Duration{2 * time.Second, 0, time.Second} {
		msg := &types.Message{
			ConversationId: conv.Id,
			SenderId:       admin.Id,
			Body:           fmt.Sprintf("m%d", i),
			SentAt:         now.Add(offset),
			Kind:           types.KindText,
		}
		if err := store.Messages.Save(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := eng.History(ctx, conv.Id)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("History returned %d messages, want 3", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].SentAt.Before(msgs[i-1].SentAt) {
			t.Errorf("history out of order at %d: %v after %v", i, msgs[i].SentAt, msgs[i-1].SentAt)
		}
	}
}

func TestMarkRead(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	admin := newUser(t, "read-admin", "Root", types.RoleAdmin)
	reader := newUser(t, "read-user", "Lurker", types.RoleStudent)
	conv := newGroup(t, admin, "Receipts", []string{reader.Id}, nil)

	msg, err := eng.Send(ctx, conv.Id, admin.Id, "read me")
	if err != nil {
		t.Fatal(err)
	}

	if err = eng.MarkRead(ctx, reader.Id, msg.Id); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	// A repeat is a no-op, not a duplicate.
	if err = eng.MarkRead(ctx, reader.Id, msg.Id); err != nil {
		t.Fatalf("repeated MarkRead: %v", err)
	}

	got, err := store.Messages.Get(ctx, msg.Id)
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, id := range got.ReadBy {
		if id == reader.Id {
			count++
		}
	}
	if count != 1 {
		t.Errorf("reader appears %d times in ReadBy %v, want once", count, got.ReadBy)
	}
	if !got.ReadByUser(admin.Id) {
		t.Error("sender lost its read mark")
	}

	if err = eng.MarkRead(ctx, reader.Id, "no-such-message"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("missing message: err = %v, want ErrNotFound", err)
	}
}

func TestClear(t *testing.T) {
	eng, adp := newEngine(t)
	ctx := context.Background()

	admin := newUser(t, "clr-admin", "Root", types.RoleAdmin)
	student := newUser(t, "clr-student", "Fresher", types.RoleStudent)
	conv := newGroup(t, admin, "Noisy", []string{student.Id}, nil)
	seedMessages(t, conv.Id, 1200)

	if err := eng.Clear(ctx, student.Id, conv.Id); !errors.Is(err, types.ErrPermissionDenied) {
		t.Fatalf("student clearing: err = %v, want ErrPermissionDenied", err)
	}

	before := adp.Commits()
	if err := eng.Clear(ctx, admin.Id, conv.Id); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	// 1200 deletes fit in exactly three full-size batches.
	if got := adp.Commits() - before; got != 3 {
		t.Errorf("clear used %d batch commits, want 3", got)
	}

	msgs, err := store.Messages.GetAll(ctx, conv.Id)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("%d messages left after clear", len(msgs))
	}

	got, err := store.Conversations.Get(ctx, conv.Id)
	if err != nil {
		t.Fatalf("conversation must survive a clear: %v", err)
	}
	if got.LastMessage != "Chat cleared by admin" {
		t.Errorf("summary after clear = %q", got.LastMessage)
	}

	// Clearing an already empty conversation succeeds without deletes.
	before = adp.Commits()
	if err = eng.Clear(ctx, admin.Id, conv.Id); err != nil {
		t.Fatalf("Clear of empty conversation: %v", err)
	}
	if got := adp.Commits() - before; got != 0 {
		t.Errorf("empty clear used %d batch commits, want 0", got)
	}

	if err = eng.Clear(ctx, admin.Id, "no-such-conv"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("missing conversation: err = %v, want ErrNotFound", err)
	}
}

func TestClearPartialFailure(t *testing.T) {
	eng, adp := newEngine(t)
	ctx := context.Background()

	admin := newUser(t, "pf-admin", "Root", types.RoleAdmin)
	conv := newGroup(t, admin, "Half gone", nil, nil)
	seedMessages(t, conv.Id, 600)

	// Second batch of the cascade dies after the first one committed.
	adp.FailCommit(2, types.ErrUnavailable)
	err := eng.Clear(ctx, admin.Id, conv.Id)
	if !errors.Is(err, types.ErrPartialFailure) {
		t.Fatalf("mid-cascade failure: err = %v, want ErrPartialFailure", err)
	}

	msgs, err := store.Messages.GetAll(ctx, conv.Id)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 100 {
		t.Errorf("%d messages left after partial clear, want 100", len(msgs))
	}

	// The retry finishes the job.
	if err = eng.Clear(ctx, admin.Id, conv.Id); err != nil {
		t.Fatalf("retry after partial failure: %v", err)
	}
	if msgs, _ = store.Messages.GetAll(ctx, conv.Id); len(msgs) != 0 {
		t.Errorf("%d messages left after retry", len(msgs))
	}
}

func TestClearFirstBatchFailure(t *testing.T) {
	eng, adp := newEngine(t)
	ctx := context.Background()

	admin := newUser(t, "fb-admin", "Root", types.RoleAdmin)
	conv := newGroup(t, admin, "Untouched", nil, nil)
	seedMessages(t, conv.Id, 10)

	// A failure before anything committed is a clean failure, not a partial
	// one.
	adp.FailCommit(1, types.ErrUnavailable)
	err := eng.Clear(ctx, admin.Id, conv.Id)
	if !errors.Is(err, types.ErrUnavailable) || errors.Is(err, types.ErrPartialFailure) {
		t.Fatalf("first-batch failure: err = %v, want plain ErrUnavailable", err)
	}
	if msgs, _ := store.Messages.GetAll(ctx, conv.Id); len(msgs) != 10 {
		t.Errorf("%d messages left, want all 10 intact", len(msgs))
	}
}

func TestDeleteConversation(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	admin := newUser(t, "del-admin", "Root", types.RoleAdmin)
	student := newUser(t, "del-student", "Fresher", types.RoleStudent)
	conv := newGroup(t, admin, "Doomed", []string{student.Id}, nil)
	seedMessages(t, conv.Id, 42)

	if err := eng.DeleteConversation(ctx, student.Id, conv.Id); !errors.Is(err, types.ErrPermissionDenied) {
		t.Fatalf("student deleting: err = %v, want ErrPermissionDenied", err)
	}

	if err := eng.DeleteConversation(ctx, admin.Id, conv.Id); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, err := store.Conversations.Get(ctx, conv.Id); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("conversation still present: err = %v", err)
	}
	if msgs, _ := store.Messages.GetAll(ctx, conv.Id); len(msgs) != 0 {
		t.Errorf("%d orphaned messages left", len(msgs))
	}

	// The second delete reports the conversation as gone.
	if err := eng.DeleteConversation(ctx, admin.Id, conv.Id); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
}

func TestDeleteConversationPartialFailure(t *testing.T) {
	eng, adp := newEngine(t)
	ctx := context.Background()

	admin := newUser(t, "dpf-admin", "Root", types.RoleAdmin)
	conv := newGroup(t, admin, "Sticky", nil, nil)
	seedMessages(t, conv.Id, 600)

	adp.FailCommit(2, types.ErrUnavailable)
	err := eng.DeleteConversation(ctx, admin.Id, conv.Id)
	if !errors.Is(err, types.ErrPartialFailure) {
		t.Fatalf("mid-cascade failure: err = %v, want ErrPartialFailure", err)
	}
	// Phase two never ran: the conversation document is still there, so the
	// caller can retry.
	if _, err = store.Conversations.Get(ctx, conv.Id); err != nil {
		t.Fatalf("conversation gone after failed cascade: %v", err)
	}

	if err = eng.DeleteConversation(ctx, admin.Id, conv.Id); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err = store.Conversations.Get(ctx, conv.Id); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("conversation still present after retry: err = %v", err)
	}
}

func TestGetOrCreateDirect(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	alice := newUser(t, "dm-alice", "Alice", types.RoleStudent)
	bob := newUser(t, "dm-bob", "Bob", types.RoleTeacher)

	conv, err := eng.GetOrCreateDirect(ctx, alice.Id, bob.Id)
	if err != nil {
		t.Fatalf("GetOrCreateDirect: %v", err)
	}
	if !conv.IsDirect {
		t.Error("created conversation is not direct")
	}
	if !types.IsDirectId(conv.Id) {
		t.Errorf("conversation id %q is not a direct id", conv.Id)
	}
	if conv.Title != "Bob" {
		t.Errorf("direct title = %q, want the other member's name", conv.Title)
	}
	if !conv.HasMember(alice.Id) || !conv.HasMember(bob.Id) {
		t.Errorf("direct members = %v", conv.Members)
	}

	// The same pair from either side lands on the same document.
	again, err := eng.GetOrCreateDirect(ctx, bob.Id, alice.Id)
	if err != nil {
		t.Fatal(err)
	}
	if again.Id != conv.Id {
		t.Errorf("pair resolved to two conversations: %q and %q", conv.Id, again.Id)
	}

	if _, err = eng.GetOrCreateDirect(ctx, alice.Id, alice.Id); !errors.Is(err, types.ErrValidation) {
		t.Errorf("direct with self: err = %v, want ErrValidation", err)
	}
	if _, err = eng.GetOrCreateDirect(ctx, alice.Id, "dm-nobody"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("direct with missing peer: err = %v, want ErrNotFound", err)
	}
}

func TestGetOrCreateDirectLegacyScan(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	carol := newUser(t, "dm-carol", "Carol", types.RoleStudent)
	dave := newUser(t, "dm-dave", "Dave", types.RoleStudent)

	// A direct conversation predating deterministic ids.
	legacy := &types.Conversation{
		Id:       "legacy-dm-1",
		Title:    "Dave",
		Owner:    carol.Id,
		Members:  []string{carol.Id, dave.Id},
		IsDirect: true,
	}
	if err := store.Conversations.Create(ctx, legacy); err != nil {
		t.Fatal(err)
	}

	conv, err := eng.GetOrCreateDirect(ctx, carol.Id, dave.Id)
	if err != nil {
		t.Fatalf("GetOrCreateDirect: %v", err)
	}
	if conv.Id != legacy.Id {
		t.Errorf("created a duplicate %q next to legacy %q", conv.Id, legacy.Id)
	}
}

func TestWatch(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	admin := newUser(t, "watch-admin", "Root", types.RoleAdmin)
	conv := newGroup(t, admin, "Live", nil, nil)

	h, err := eng.Watch(ctx, conv.Id)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer eng.subs.Unsubscribe(h)

	snap := <-h.Updates()
	if snap.Err != nil || len(snap.Docs) != 0 {
		t.Fatalf("initial snapshot = %d docs, err %v; want empty", len(snap.Docs), snap.Err)
	}

	if _, err = eng.Send(ctx, conv.Id, admin.Id, "first"); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-h.Updates():
			if !ok {
				t.Fatal("updates channel closed")
			}
			if snap.Err != nil {
				t.Fatalf("snapshot error: %v", snap.Err)
			}
			if len(snap.Docs) == 1 {
				msgs, err := store.DecodeMessages(snap.Docs)
				if err != nil {
					t.Fatal(err)
				}
				if msgs[0].Body != "first" {
					t.Errorf("delivered message = %+v", msgs[0])
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for message snapshot")
		}
	}
}
