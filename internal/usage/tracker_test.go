package usage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ashureev/hostlink/internal/domain"
	"github.com/ashureev/hostlink/internal/store"
)

func TestLast_AbsentBeforeFirstPrompt(t *testing.T) {
	tracker := NewTracker(nil, nil)

	if _, ok := tracker.Last("ses_1"); ok {
		t.Error("Last should report absent before any prompt completes")
	}
	if total := tracker.Total("ses_1"); total != 0 {
		t.Errorf("Total = %d, want 0", total)
	}
}

func TestRecord_AccumulatesPerSession(t *testing.T) {
	tracker := NewTracker(nil, nil)
	ctx := context.Background()

	tracker.Record(ctx, "ses_1", "prm_1", domain.TokenUsage{LLMTokens: 100, VLMTokens: 0, TotalTokens: 100})
	tracker.Record(ctx, "ses_1", "prm_2", domain.TokenUsage{LLMTokens: 130, VLMTokens: 2873, TotalTokens: 3003})
	tracker.Record(ctx, "ses_2", "prm_3", domain.TokenUsage{LLMTokens: 5, VLMTokens: 0, TotalTokens: 5})

	if total := tracker.Total("ses_1"); total != 3103 {
		t.Errorf("ses_1 total = %d, want 3103", total)
	}
	if total := tracker.Total("ses_2"); total != 5 {
		t.Errorf("ses_2 total = %d, want 5", total)
	}

	last, ok := tracker.Last("ses_1")
	if !ok {
		t.Fatal("Last absent after two prompts")
	}
	if last.TotalTokens != 3003 || last.VLMTokens != 2873 {
		t.Errorf("Last = %+v, want most recent prompt's usage", last)
	}
}

func TestRecord_NegativeCountsCannotShrinkTotal(t *testing.T) {
	tracker := NewTracker(nil, nil)
	ctx := context.Background()

	tracker.Record(ctx, "ses_1", "prm_1", domain.TokenUsage{LLMTokens: 100, TotalTokens: 100})
	total := tracker.Record(ctx, "ses_1", "prm_2", domain.TokenUsage{LLMTokens: -90, VLMTokens: -5, TotalTokens: -95})

	if total != 100 {
		t.Errorf("total = %d after negative usage, want unchanged 100", total)
	}
	if got := tracker.Total("ses_1"); got != 100 {
		t.Errorf("Total = %d, want 100", got)
	}

	last, ok := tracker.Last("ses_1")
	if !ok {
		t.Fatal("Last absent")
	}
	if last.LLMTokens != 0 || last.VLMTokens != 0 || last.TotalTokens != 0 {
		t.Errorf("Last = %+v, want clamped zero components", last)
	}
}

func TestForget_DiscardsCounters(t *testing.T) {
	tracker := NewTracker(nil, nil)
	tracker.Record(context.Background(), "ses_1", "prm_1", domain.TokenUsage{LLMTokens: 9, TotalTokens: 9})

	tracker.Forget("ses_1")

	if _, ok := tracker.Last("ses_1"); ok {
		t.Error("Last should be absent after Forget")
	}
	if total := tracker.Total("ses_1"); total != 0 {
		t.Errorf("Total = %d after Forget, want 0", total)
	}
}

func TestRecord_WriteThroughToLedger(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	if err := repo.UpsertSession(ctx, &store.SessionRecord{
		SessionID: "ses_1", JobID: "job_1", ChainID: 1, Model: "m", Security: "encrypted",
	}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	tracker := NewTracker(repo, nil)
	tracker.Record(ctx, "ses_1", "prm_1", domain.TokenUsage{LLMTokens: 130, VLMTokens: 2873, TotalTokens: 3003})

	persisted, err := repo.LastUsage(ctx, "ses_1")
	if err != nil {
		t.Fatalf("LastUsage: %v", err)
	}
	if persisted == nil || persisted.TotalTokens != 3003 {
		t.Errorf("persisted = %+v, want total 3003", persisted)
	}

	total, err := repo.SessionTotal(ctx, "ses_1")
	if err != nil {
		t.Fatalf("SessionTotal: %v", err)
	}
	if total != 3003 {
		t.Errorf("SessionTotal = %d, want 3003", total)
	}
}

func TestTotal_LedgerFallbackAfterForget(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	if err := repo.UpsertSession(ctx, &store.SessionRecord{
		SessionID: "ses_1", JobID: "job_1", ChainID: 1, Model: "m", Security: "encrypted",
	}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	tracker := NewTracker(repo, nil)
	tracker.Record(ctx, "ses_1", "prm_1", domain.TokenUsage{LLMTokens: 9, TotalTokens: 9})
	tracker.Forget("ses_1")

	// In-memory counters are gone but the persisted total still reads back.
	if total := tracker.Total("ses_1"); total != 9 {
		t.Errorf("Total = %d after Forget, want ledger total 9", total)
	}
	if _, ok := tracker.Last("ses_1"); ok {
		t.Error("Last should be absent after Forget")
	}
}
