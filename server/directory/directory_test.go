package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/campuslive/chat/server/store"
	"github.com/campuslive/chat/server/store/storetest"
	"github.com/campuslive/chat/server/store/types"
)

func newUser(t *testing.T, id, name string, role types.Role) *types.Identity {
	t.Helper()
	user := &types.Identity{Id: id, DisplayName: name, Role: role}
	if err := store.Users.Create(context.Background(), user); err != nil {
		t.Fatalf("failed to create identity %s: %v", id, err)
	}
	return user
}

func TestEnsureIdentity(t *testing.T) {
	storetest.Open(t)
	ctx := context.Background()
	svc := NewService(nil)

	cases := []struct {
		identifier string
		wantRole   types.Role
	}{
		{"8101", types.RoleAdmin},
		{"81012", types.RoleTeacher},
		{"81012025", types.RoleStudent},
	}
	for _, tc := range cases {
		user, err := svc.EnsureIdentity(ctx, tc.identifier)
		if err != nil {
			t.Fatalf("EnsureIdentity(%q): %v", tc.identifier, err)
		}
		if user.Role != tc.wantRole {
			t.Errorf("EnsureIdentity(%q): role = %q, want %q", tc.identifier, user.Role, tc.wantRole)
		}
		if want := "Reg: " + tc.identifier; user.DisplayName != want {
			t.Errorf("EnsureIdentity(%q): display name = %q, want %q", tc.identifier, user.DisplayName, want)
		}
		if user.CreatedAt.IsZero() {
			t.Errorf("EnsureIdentity(%q): zero CreatedAt", tc.identifier)
		}
	}

	// Second contact returns the stored record, including later edits.
	if err := store.Users.Update(ctx, "8101", map[string]any{"displayname": "Registrar"}); err != nil {
		t.Fatal(err)
	}
	user, err := svc.EnsureIdentity(ctx, "8101")
	if err != nil {
		t.Fatal(err)
	}
	if user.DisplayName != "Registrar" {
		t.Errorf("existing identity was recreated: display name = %q", user.DisplayName)
	}

	if _, err = svc.EnsureIdentity(ctx, "  "); !errors.Is(err, types.ErrValidation) {
		t.Errorf("blank identifier: err = %v, want ErrValidation", err)
	}
}

func TestFetchByIds(t *testing.T) {
	storetest.Open(t)
	ctx := context.Background()
	svc := NewService(nil)

	// 25 ids exercise the partitioned lookup: three store calls, none above
	// the `in` cap.
	ids := make([]string, 0, 25)
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("fetch%02d", i)
		newUser(t, id, "Fetch "+id, types.RoleStudent)
		ids = append(ids, id)
	}
	// Duplicates and a missing id must not distort the result.
	input := append(append([]string{}, ids...), ids[0], ids[7], "fetch-missing")

	users, err := svc.FetchByIds(ctx, input)
	if err != nil {
		t.Fatalf("FetchByIds: %v", err)
	}
	got := make([]string, len(users))
	for i, u := range users {
		got[i] = u.Id
	}
	sort.Strings(got)
	want := append([]string{}, ids...)
	sort.Strings(want)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FetchByIds ids mismatch (-want +got):\n%s", diff)
	}

	if users, err = svc.FetchByIds(ctx, nil); err != nil || users != nil {
		t.Errorf("FetchByIds(nil) = %v, %v; want nil, nil", users, err)
	}
}

func TestSearch(t *testing.T) {
	storetest.Open(t)
	ctx := context.Background()
	svc := NewService(nil)

	for i := 0; i < SearchLimit+5; i++ {
		id := fmt.Sprintf("srch%02d", i)
		newUser(t, id, fmt.Sprintf("Quark %02d", i), types.RoleStudent)
	}

	if _, err := svc.Search(ctx, "  ", 10); !errors.Is(err, types.ErrValidation) {
		t.Errorf("blank prefix: err = %v, want ErrValidation", err)
	}

	users, err := svc.Search(ctx, "quark", 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(users) != SearchLimit {
		t.Errorf("Search returned %d results, want clamp at %d", len(users), SearchLimit)
	}
	for i := 1; i < len(users); i++ {
		if users[i-1].DisplayName > users[i].DisplayName {
			t.Errorf("Search results unsorted at %d: %q > %q", i, users[i-1].DisplayName, users[i].DisplayName)
			break
		}
	}

	users, err = svc.Search(ctx, "Quark 03", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].Id != "srch03" {
		t.Errorf("exact-prefix search = %+v, want single srch03", users)
	}
}

func TestValidate(t *testing.T) {
	storetest.Open(t)
	ctx := context.Background()
	svc := NewService(nil)

	newUser(t, "valid01", "Valid One", types.RoleStudent)
	newUser(t, "valid02", "Valid Two", types.RoleTeacher)

	valid, invalid := svc.Validate(ctx, []string{"valid01", "missing01", "valid02", "missing02"})
	if diff := cmp.Diff([]string{"valid01", "valid02"}, valid); diff != "" {
		t.Errorf("valid ids mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"missing01", "missing02"}, invalid); diff != "" {
		t.Errorf("invalid ids mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateRole(t *testing.T) {
	storetest.Open(t)
	ctx := context.Background()
	svc := NewService(nil)

	admin := newUser(t, "role-admin", "Root", types.RoleAdmin)
	teacher := newUser(t, "role-teacher", "Tutor", types.RoleTeacher)
	subject := newUser(t, "role-subject", "Subject", types.RoleStudent)

	if err := svc.UpdateRole(ctx, teacher, subject.Id, types.RoleTeacher); !errors.Is(err, types.ErrPermissionDenied) {
		t.Errorf("teacher changing roles: err = %v, want ErrPermissionDenied", err)
	}
	if err := svc.UpdateRole(ctx, nil, subject.Id, types.RoleTeacher); !errors.Is(err, types.ErrPermissionDenied) {
		t.Errorf("anonymous changing roles: err = %v, want ErrPermissionDenied", err)
	}
	if err := svc.UpdateRole(ctx, admin, subject.Id, types.RoleTeacher); err != nil {
		t.Fatalf("admin changing roles: %v", err)
	}
	got, err := svc.Get(ctx, subject.Id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Role != types.RoleTeacher {
		t.Errorf("role after update = %q, want %q", got.Role, types.RoleTeacher)
	}
}

func TestUpdateAvatar(t *testing.T) {
	storetest.Open(t)
	ctx := context.Background()
	svc := NewService(nil)

	admin := newUser(t, "ava-admin", "Root", types.RoleAdmin)
	user := newUser(t, "ava-user", "Selfie", types.RoleStudent)
	other := newUser(t, "ava-other", "Bystander", types.RoleStudent)

	if err := svc.UpdateAvatar(ctx, other, user.Id, "x.png"); !errors.Is(err, types.ErrPermissionDenied) {
		t.Errorf("non-owner avatar update: err = %v, want ErrPermissionDenied", err)
	}
	if err := svc.UpdateAvatar(ctx, user, user.Id, "me.png"); err != nil {
		t.Fatalf("self avatar update: %v", err)
	}
	if err := svc.UpdateAvatar(ctx, admin, user.Id, "official.png"); err != nil {
		t.Fatalf("admin avatar update: %v", err)
	}
	got, err := svc.Get(ctx, user.Id)
	if err != nil {
		t.Fatal(err)
	}
	if got.AvatarRef != "official.png" {
		t.Errorf("avatar after updates = %q, want %q", got.AvatarRef, "official.png")
	}
}

func TestSortByRole(t *testing.T) {
	users := []types.Identity{
		{Id: "s2", DisplayName: "Zoe", Role: types.RoleStudent},
		{Id: "t1", DisplayName: "Mentor", Role: types.RoleTeacher},
		{Id: "s1", DisplayName: "Abe", Role: types.RoleStudent},
		{Id: "a1", DisplayName: "Root", Role: types.RoleAdmin},
	}
	SortByRole(users)

	got := make([]string, len(users))
	for i, u := range users {
		got[i] = u.Id
	}
	want := []string{"a1", "t1", "s1", "s2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SortByRole order mismatch (-want +got):\n%s", diff)
	}
}
