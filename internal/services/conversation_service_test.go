package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/tbourn/go-care-backend/internal/classifier"
	"github.com/tbourn/go-care-backend/internal/domain"
	"github.com/tbourn/go-care-backend/internal/repo"
)

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t)
	u := seedUser(t, f.db, "Asha", "asha@x.com", domain.RoleEmployee)
	ctx := context.Background()

	if _, err := f.conv.Submit(ctx, u.ID, "", "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := f.conv.Submit(ctx, u.ID, "", "<script>alert(1)</script>"); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("markup-only message should be empty, got %v", err)
	}
	if _, err := f.conv.Submit(ctx, u.ID, "", strings.Repeat("x", 201)); !errors.Is(err, ErrMessageTooLong) {
		t.Fatalf("expected ErrMessageTooLong, got %v", err)
	}
	if !errors.Is(ErrMessageTooLong, ErrValidation) {
		t.Fatalf("ErrMessageTooLong should be a validation error")
	}
	if len(f.cls.calls) != 0 {
		t.Fatalf("classifier must not be called for invalid input")
	}
}

func TestSubmit_FirstMessageCreatesActiveConversation(t *testing.T) {
	f := newFixture(t)
	u := seedUser(t, f.db, "Asha", "asha@x.com", domain.RoleEmployee)
	ctx := context.Background()

	res, err := f.conv.Submit(ctx, u.ID, "", "<b>I feel</b> overwhelmed & tired")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.ConversationID == "" || res.TurnID == "" || res.RequiresResolutionChoice || res.Fallback {
		t.Fatalf("unexpected result: %+v", res)
	}

	c, err := repo.GetConversation(ctx, f.db, res.ConversationID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if c.State != domain.StateActive || c.InitialConcernSummary != "I feel overwhelmed & tired" {
		t.Fatalf("unexpected conversation: %+v", c)
	}
	turns, _ := repo.ListTurns(ctx, f.db, c.ID)
	if len(turns) != 2 || turns[0].Sender != domain.SenderUser || turns[1].Sender != domain.SenderAssistant {
		t.Fatalf("expected user+assistant turns, got %+v", turns)
	}
	if turns[1].ID != res.TurnID || turns[1].Text != clarifying().Reply {
		t.Fatalf("assistant turn mismatch: %+v", turns[1])
	}
}

func TestSubmit_ContinuesOpenConversationWithFullHistory(t *testing.T) {
	f := newFixture(t)
	u := seedUser(t, f.db, "Asha", "asha@x.com", domain.RoleEmployee)
	ctx := context.Background()

	first, err := f.conv.Submit(ctx, u.ID, "", "first")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.conv.Submit(ctx, u.ID, "", "second")
	if err != nil {
		t.Fatal(err)
	}
	if second.ConversationID != first.ConversationID {
		t.Fatalf("expected the open conversation to continue")
	}
	last := f.cls.calls[len(f.cls.calls)-1]
	if len(last) != 3 || last[0].Text != "first" || last[2].Text != "second" {
		t.Fatalf("classifier should see the whole history, got %+v", last)
	}
}

func TestSubmit_LikelyResolvedAwaitsChoiceThenReentersActive(t *testing.T) {
	f := newFixture(t)
	u := seedUser(t, f.db, "Asha", "asha@x.com", domain.RoleEmployee)
	ctx := context.Background()

	id := f.awaiting(t, u, "too much work")
	c, _ := repo.GetConversation(ctx, f.db, id)
	if c.State != domain.StateAwaitingChoice || c.AIProposedSolution != solving().Reply {
		t.Fatalf("expected awaiting with proposed solution, got %+v", c)
	}
	if c.Category != domain.CategoryWellness || c.Severity != domain.SeverityHigh {
		t.Fatalf("triage not stored: %+v", c)
	}

	f.cls.set(clarifying(), nil)
	res, err := f.conv.Submit(ctx, u.ID, id, "that did not work")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.RequiresResolutionChoice {
		t.Fatalf("new message while awaiting should re-enter active")
	}
	c, _ = repo.GetConversation(ctx, f.db, id)
	if c.State != domain.StateActive || c.AIProposedSolution != solving().Reply {
		t.Fatalf("unexpected state after re-entry: %+v", c)
	}
}

func TestSubmit_ClassifierFailureChangesNothing(t *testing.T) {
	f := newFixture(t)
	u := seedUser(t, f.db, "Asha", "asha@x.com", domain.RoleEmployee)
	ctx := context.Background()

	f.cls.set(classifier.Result{}, classifier.ErrUnavailable)
	res, err := f.conv.Submit(ctx, u.ID, "", "hello")
	if err != nil {
		t.Fatalf("classifier failure must not surface: %v", err)
	}
	if !res.Fallback || res.Reply != classifier.FallbackReply || res.ConversationID != "" {
		t.Fatalf("unexpected fallback result: %+v", res)
	}
	var n int64
	f.db.Model(&domain.Conversation{}).Count(&n)
	if n != 0 {
		t.Fatalf("no conversation should be created, got %d", n)
	}

	id := f.awaiting(t, u, "too much work")
	before, _ := repo.GetConversation(ctx, f.db, id)
	f.cls.set(classifier.Result{}, errors.New("timeout"))
	res, err = f.conv.Submit(ctx, u.ID, id, "still there?")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !res.Fallback || !res.RequiresResolutionChoice || res.ConversationID != id {
		t.Fatalf("fallback should keep the pending choice: %+v", res)
	}
	after, _ := repo.GetConversation(ctx, f.db, id)
	turns, _ := repo.ListTurns(ctx, f.db, id)
	if after.State != before.State || after.Version != before.Version || len(turns) != 2 {
		t.Fatalf("state changed on failure: before=%+v after=%+v turns=%d", before, after, len(turns))
	}
}

func TestSubmit_OwnershipAndTerminalState(t *testing.T) {
	f := newFixture(t)
	owner := seedUser(t, f.db, "Asha", "asha@x.com", domain.RoleEmployee)
	other := seedUser(t, f.db, "Ben", "ben@x.com", domain.RoleEmployee)
	ctx := context.Background()

	id := f.awaiting(t, owner, "payroll issue")
	if _, err := f.conv.Submit(ctx, other.ID, id, "hi"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("foreign conversation: want ErrConversationNotFound, got %v", err)
	}
	if _, err := f.conv.Submit(ctx, owner.ID, "missing", "hi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown conversation: want not found, got %v", err)
	}

	if _, err := f.resolve.Resolve(ctx, owner.ID, id, ChoiceHelpful); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := f.conv.Submit(ctx, owner.ID, id, "one more thing"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("terminal conversation: want ErrInvalidState, got %v", err)
	}

	res, err := f.conv.Submit(ctx, owner.ID, "", "new topic")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.ConversationID == id {
		t.Fatalf("a terminal conversation must not be continued implicitly")
	}
}

func TestSubmit_ConcurrentMessagesAreSerialized(t *testing.T) {
	f := newFixture(t)
	u := seedUser(t, f.db, "Asha", "asha@x.com", domain.RoleEmployee)
	ctx := context.Background()

	first, err := f.conv.Submit(ctx, u.ID, "", "start")
	if err != nil {
		t.Fatal(err)
	}

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.conv.Submit(ctx, u.ID, first.ConversationID, "more")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent submit: %v", err)
		}
	}

	turns, _ := repo.ListTurns(ctx, f.db, first.ConversationID)
	if len(turns) != 2*(n+1) {
		t.Fatalf("expected %d turns, got %d", 2*(n+1), len(turns))
	}
	for i, tr := range turns {
		if tr.Seq != int64(i+1) {
			t.Fatalf("seq gap at %d: %d", i, tr.Seq)
		}
		wantSender := domain.SenderUser
		if i%2 == 1 {
			wantSender = domain.SenderAssistant
		}
		if tr.Sender != wantSender {
			t.Fatalf("turn pairs interleaved at %d: %s", i, tr.Sender)
		}
	}
}

func TestHistoryReplayAndAdminReview(t *testing.T) {
	f := newFixture(t)
	u := seedUser(t, f.db, "Asha", "asha@x.com", domain.RoleEmployee)
	ctx := context.Background()

	empty, err := f.conv.History(ctx, u.ID)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("empty history should be a non-nil empty slice: %v %v", empty, err)
	}

	res, err := f.conv.Submit(ctx, u.ID, "", "hello")
	if err != nil {
		t.Fatal(err)
	}
	hist, err := f.conv.History(ctx, u.ID)
	if err != nil || len(hist) != 2 {
		t.Fatalf("History: %v %d", err, len(hist))
	}

	replay, err := f.conv.Replay(ctx, u.ID, res.TurnID, false)
	if err != nil || replay.Reply != res.Reply || replay.ConversationID != res.ConversationID {
		t.Fatalf("Replay mismatch: %+v %v", replay, err)
	}
	if _, err := f.conv.Replay(ctx, "someone-else", res.TurnID, false); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("foreign replay: want ErrConversationNotFound, got %v", err)
	}

	unreviewed := false
	rows, total, err := f.conv.ListConversations(ctx, &unreviewed, 1, 10)
	if err != nil || total != 1 || rows[0].UserEmail != "asha@x.com" {
		t.Fatalf("ListConversations: %v %d %+v", err, total, rows)
	}
	changed, err := f.conv.MarkReviewed(ctx, res.ConversationID)
	if err != nil || !changed {
		t.Fatalf("MarkReviewed: %v %v", changed, err)
	}
	changed, err = f.conv.MarkReviewed(ctx, res.ConversationID)
	if err != nil || changed {
		t.Fatalf("second MarkReviewed should be a no-op: %v %v", changed, err)
	}
	if _, err := f.conv.MarkReviewed(ctx, "missing"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("want ErrConversationNotFound, got %v", err)
	}
}

func TestSubmit_ProposedSolutionPersistsUnderSnakeCaseColumn(t *testing.T) {
	f := newFixture(t)
	u := seedUser(t, f.db, "Asha", "asha@x.com", domain.RoleEmployee)

	if !f.db.Migrator().HasColumn(&domain.Conversation{}, "ai_proposed_solution") {
		t.Fatalf("conversations.ai_proposed_solution missing")
	}
	id := f.awaiting(t, u, "too much work")

	var stored string
	if err := f.db.Raw("SELECT ai_proposed_solution FROM conversations WHERE id = ?", id).Scan(&stored).Error; err != nil {
		t.Fatalf("select: %v", err)
	}
	if stored != solving().Reply {
		t.Fatalf("stored solution = %q", stored)
	}
	var awaiting int64
	f.db.Model(&domain.Conversation{}).Where("state = ?", domain.StateAwaitingChoice).Count(&awaiting)
	if awaiting != 1 {
		t.Fatalf("awaiting conversations = %d; want 1", awaiting)
	}
}

func TestSubmit_SeverityNeverDowngrades(t *testing.T) {
	f := newFixture(t)
	u := seedUser(t, f.db, "Asha", "asha@x.com", domain.RoleEmployee)
	ctx := context.Background()

	f.cls.set(classifier.Result{Reply: "I am sorry to hear that.", Category: domain.CategoryGrievance, Severity: domain.SeverityCritical}, nil)
	res, err := f.conv.Submit(ctx, u.ID, "", "my manager keeps harassing me")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.cls.set(classifier.Result{Reply: "Anything else?", Category: domain.CategoryWellness, Severity: domain.SeverityLow}, nil)
	if _, err := f.conv.Submit(ctx, u.ID, res.ConversationID, "thanks, also how do I book leave"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	c, _ := repo.GetConversation(ctx, f.db, res.ConversationID)
	if c.Severity != domain.SeverityCritical || c.Category != domain.CategoryGrievance {
		t.Fatalf("triage downgraded: %s/%s", c.Category, c.Severity)
	}
}

func TestSubmit_FirstVerdictMayBeLowerThanDefault(t *testing.T) {
	f := newFixture(t)
	u := seedUser(t, f.db, "Asha", "asha@x.com", domain.RoleEmployee)
	ctx := context.Background()

	f.cls.set(classifier.Result{Reply: "Here is the policy.", Category: domain.CategoryRequest, Severity: domain.SeverityLow}, nil)
	res, err := f.conv.Submit(ctx, u.ID, "", "just wondering about the leave policy")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	c, _ := repo.GetConversation(ctx, f.db, res.ConversationID)
	if c.Severity != domain.SeverityLow {
		t.Fatalf("severity = %s; want low", c.Severity)
	}
}
