package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func seededMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	ctx := context.Background()
	m := NewMemoryStore()
	for _, user := range []User{
		{ID: "usr_prof", DisplayName: "Prof Ada", Email: "Ada@Example.edu"},
		{ID: "usr_ta", DisplayName: "Grace TA", Email: "grace@example.edu"},
		{ID: "usr_stu", DisplayName: "Linus Student", Email: "linus@example.edu"},
	} {
		if err := m.CreateUser(ctx, user); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}
	m.AddClass(Class{ID: "cls_1", Name: "Algebra", OwnerID: "usr_prof"})
	m.AddClassInstance(ClassInstance{ID: "ins_fall", ClassID: "cls_1", Status: "published"})
	m.AddClassInstance(ClassInstance{ID: "ins_spring", ClassID: "cls_1", Status: "archived"})
	m.AddClassInstance(ClassInstance{ID: "ins_other", ClassID: "cls_2", Status: "published"})
	m.AddMembership(Membership{InstanceID: "ins_fall", UserID: "usr_stu", Role: "student", Status: "active"})
	m.AddMembership(Membership{InstanceID: "ins_spring", UserID: "usr_ta", Role: "ta", Status: "active", Permissions: []string{"resolve_dispute"}})
	m.AddMembership(Membership{InstanceID: "ins_other", UserID: "usr_ta", Role: "ta", Status: "active"})
	m.AddProblem(Problem{ID: "prb_1", AssignmentID: "asg_1", ClassID: "cls_1", Title: "Q1"})
	return m
}

func TestMemoryStoreNotFound(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	if _, err := m.GetThread(ctx, "thr_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for thread, got %v", err)
	}
	if _, err := m.GetComment(ctx, "cmt_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for comment, got %v", err)
	}
	if _, err := m.GetReaction(ctx, TargetComment, "cmt", "usr"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for reaction, got %v", err)
	}
	if _, err := m.FindActiveThreadForBlock(ctx, "prb", "blk"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for anchor, got %v", err)
	}
}

func TestMemoryStoreUserEmailIsCaseInsensitive(t *testing.T) {
	m := seededMemoryStore(t)
	user, err := m.GetUserByEmail(context.Background(), "ADA@example.EDU")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if user.ID != "usr_prof" {
		t.Fatalf("expected usr_prof, got %s", user.ID)
	}
}

func TestMemoryStoreMembershipsSpanClassInstances(t *testing.T) {
	m := seededMemoryStore(t)
	ctx := context.Background()

	memberships, err := m.ListClassMemberships(ctx, "cls_1", "usr_ta")
	if err != nil {
		t.Fatalf("ListClassMemberships: %v", err)
	}
	if len(memberships) != 1 || memberships[0].InstanceID != "ins_spring" {
		t.Fatalf("expected only the cls_1 membership, got %+v", memberships)
	}

	members, err := m.ListActiveClassMembers(ctx, "cls_1")
	if err != nil {
		t.Fatalf("ListActiveClassMembers: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected ta and student, got %+v", members)
	}
}

func TestMemoryStoreFindActiveThreadPrefersNewest(t *testing.T) {
	m := seededMemoryStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for _, thread := range []Thread{
		{ID: "thr_old", ProblemID: "prb_1", BlockID: "blk", CreatedBy: "usr_stu", CreatedAt: base},
		{ID: "thr_new", ProblemID: "prb_1", BlockID: "blk", CreatedBy: "usr_stu", CreatedAt: base.Add(time.Minute)},
		{ID: "thr_arch", ProblemID: "prb_1", BlockID: "blk", CreatedBy: "usr_stu", CreatedAt: base.Add(time.Hour), IsArchived: true},
	} {
		if err := m.InsertThread(ctx, thread); err != nil {
			t.Fatalf("InsertThread: %v", err)
		}
	}

	found, err := m.FindActiveThreadForBlock(ctx, "prb_1", "blk")
	if err != nil {
		t.Fatalf("FindActiveThreadForBlock: %v", err)
	}
	if found.ID != "thr_new" {
		t.Fatalf("expected newest non-archived thread, got %s", found.ID)
	}
	if found.Type != ThreadTypeComment || found.Status != ThreadStatusOpen {
		t.Fatalf("expected defaults comment/open, got %s/%s", found.Type, found.Status)
	}
}

func TestMemoryStoreThreadTransitionsAreConditional(t *testing.T) {
	m := seededMemoryStore(t)
	ctx := context.Background()
	if err := m.InsertThread(ctx, Thread{ID: "thr_1", ProblemID: "prb_1", BlockID: "blk", CreatedBy: "usr_stu", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("InsertThread: %v", err)
	}

	steps := []struct {
		name string
		run  func() (bool, error)
		want bool
	}{
		{"escalate", func() (bool, error) { return m.EscalateThread(ctx, "thr_1") }, true},
		{"escalate again", func() (bool, error) { return m.EscalateThread(ctx, "thr_1") }, false},
		{"resolve dispute without permission", func() (bool, error) { return m.ResolveThread(ctx, "thr_1", "usr_stu", time.Now(), false) }, false},
		{"resolve", func() (bool, error) { return m.ResolveThread(ctx, "thr_1", "usr_prof", time.Now(), true) }, true},
		{"resolve again", func() (bool, error) { return m.ResolveThread(ctx, "thr_1", "usr_prof", time.Now(), true) }, false},
		{"reopen", func() (bool, error) { return m.ReopenThread(ctx, "thr_1") }, true},
		{"reopen again", func() (bool, error) { return m.ReopenThread(ctx, "thr_1") }, false},
		{"archive", func() (bool, error) { return m.SetThreadArchived(ctx, "thr_1", true) }, true},
		{"archive again", func() (bool, error) { return m.SetThreadArchived(ctx, "thr_1", true) }, false},
		{"restore", func() (bool, error) { return m.SetThreadArchived(ctx, "thr_1", false) }, true},
	}
	for _, step := range steps {
		got, err := step.run()
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if got != step.want {
			t.Fatalf("%s: expected %v, got %v", step.name, step.want, got)
		}
	}

	thread, err := m.GetThread(ctx, "thr_1")
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if thread.Type != ThreadTypeDispute || thread.Status != ThreadStatusOpen || thread.ResolvedBy != "" || thread.ResolvedAt != nil {
		t.Fatalf("unexpected final thread state: %+v", thread)
	}
}

func TestMemoryStoreCommentsAreCopied(t *testing.T) {
	m := seededMemoryStore(t)
	ctx := context.Background()
	if err := m.InsertThread(ctx, Thread{ID: "thr_1", ProblemID: "prb_1", CreatedBy: "usr_stu", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("InsertThread: %v", err)
	}
	mentions := []string{"usr_ta"}
	comment := Comment{ID: "cmt_1", ThreadID: "thr_1", AuthorID: "usr_stu", ContentJSON: json.RawMessage(`{"type":"doc"}`), Mentions: mentions, CreatedAt: time.Now()}
	if err := m.InsertComment(ctx, comment); err != nil {
		t.Fatalf("InsertComment: %v", err)
	}
	mentions[0] = "mutated"

	stored, err := m.GetComment(ctx, "cmt_1")
	if err != nil {
		t.Fatalf("GetComment: %v", err)
	}
	if stored.Mentions[0] != "usr_ta" {
		t.Fatalf("store aliased caller slice: %v", stored.Mentions)
	}

	if err := m.SoftDeleteComment(ctx, "cmt_1"); err != nil {
		t.Fatalf("SoftDeleteComment: %v", err)
	}
	feed, err := m.ListProblemComments(ctx, "prb_1")
	if err != nil {
		t.Fatalf("ListProblemComments: %v", err)
	}
	if len(feed) != 1 || !feed[0].IsDeleted {
		t.Fatalf("expected soft-deleted comment to remain listed, got %+v", feed)
	}
}

func TestMemoryStoreReactionUniquePerUser(t *testing.T) {
	m := seededMemoryStore(t)
	ctx := context.Background()
	first := Reaction{ID: "rct_1", TargetType: TargetComment, TargetID: "cmt_1", UserID: "usr_stu", Emoji: "👍"}
	second := Reaction{ID: "rct_2", TargetType: TargetComment, TargetID: "cmt_1", UserID: "usr_stu", Emoji: "🎉"}

	inserted, err := m.InsertReaction(ctx, first)
	if err != nil || !inserted {
		t.Fatalf("expected first insert, got %v %v", inserted, err)
	}
	inserted, err = m.InsertReaction(ctx, second)
	if err != nil || inserted {
		t.Fatalf("expected conflicting insert to be skipped, got %v %v", inserted, err)
	}

	reactions, err := m.ListReactions(ctx, TargetComment, []string{"cmt_1"})
	if err != nil {
		t.Fatalf("ListReactions: %v", err)
	}
	if len(reactions) != 1 {
		t.Fatalf("expected one reaction row, got %d", len(reactions))
	}
}

func TestMemoryStoreNotificationsInbox(t *testing.T) {
	m := seededMemoryStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"ntf_1", "ntf_2", "ntf_3"} {
		if err := m.InsertNotification(ctx, Notification{ID: id, UserID: "usr_stu", Type: NotificationMention, ActorID: "usr_ta", CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("InsertNotification: %v", err)
		}
	}

	ok, err := m.MarkNotificationRead(ctx, "usr_ta", "ntf_1")
	if err != nil || ok {
		t.Fatalf("expected foreign notification to be untouched, got %v %v", ok, err)
	}
	ok, err = m.MarkNotificationRead(ctx, "usr_stu", "ntf_1")
	if err != nil || !ok {
		t.Fatalf("expected own notification marked, got %v %v", ok, err)
	}

	unread, err := m.ListNotifications(ctx, "usr_stu", true, 10)
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(unread) != 2 || unread[0].ID != "ntf_3" {
		t.Fatalf("expected newest-first unread list, got %+v", unread)
	}

	count, err := m.MarkAllNotificationsRead(ctx, "usr_stu")
	if err != nil || count != 2 {
		t.Fatalf("expected 2 marked, got %d %v", count, err)
	}
}
