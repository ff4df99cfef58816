package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"gift-battle-engine/models"
	"gift-battle-engine/services"

	"github.com/bmizerany/assert"
	"github.com/jonboulle/clockwork"
)

type fakeLedger struct {
	purges int
	err    error
}

func (l *fakeLedger) Purge(ctx context.Context) (int, int64, error) {
	l.purges++
	return 2, 5, l.err
}

type fakeUploader struct {
	uploaded []string
	fail     string
}

func (u *fakeUploader) UploadArchive(ctx context.Context, a models.MatchArchive) error {
	if a.MatchID == u.fail {
		return errors.New("bucket unavailable")
	}
	u.uploaded = append(u.uploaded, a.MatchID)
	return nil
}

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func completedMatch(t *testing.T, s *services.MemoryStore, id string, endedAt time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateMatch(ctx, &models.Match{ID: id, Mode: models.ModeSolo, Status: models.MatchStatusActive, StartedAt: endedAt.Add(-5 * time.Minute)}); err != nil {
		t.Fatal(err)
	}
	ended := endedAt
	if err := s.EndMatch(ctx, &models.Match{ID: id, Mode: models.ModeSolo, Status: models.MatchStatusCompleted, EndedAt: &ended}); err != nil {
		t.Fatal(err)
	}
}

func TestRunRetentionArchivesAndUploads(t *testing.T) {
	store := services.NewMemoryStore()
	completedMatch(t, store, "old-1", now.Add(-10*24*time.Hour))
	completedMatch(t, store, "old-2", now.Add(-9*24*time.Hour))
	completedMatch(t, store, "recent", now.Add(-time.Hour))
	ledger := &fakeLedger{}
	up := &fakeUploader{fail: "old-2"}

	h := NewHousekeeper(HousekeeperConfig{
		Store:         store,
		Ledger:        ledger,
		Uploader:      up,
		Retention:     7 * 24 * time.Hour,
		MaintainEvery: 2,
		Clock:         clockwork.NewFakeClockAt(now),
	})
	rep := h.RunRetention(context.Background())
	assert.Equal(t, 2, rep.Archived)
	assert.Equal(t, 1, rep.Uploaded)
	assert.Equal(t, []string{"old-1"}, up.uploaded)
	assert.Equal(t, 2, rep.LedgerPurged)
	assert.Equal(t, int64(5), rep.StoreEventsPurged)
	assert.Equal(t, false, rep.Maintained)
	assert.Equal(t, 1, len(rep.Errors))

	rep = h.RunRetention(context.Background())
	assert.Equal(t, 0, rep.Archived)
	assert.Equal(t, true, rep.Maintained)
	assert.Equal(t, 1, store.MaintainCount())
}

func TestRunRetentionContinuesPastFailures(t *testing.T) {
	store := services.NewMemoryStore()
	store.Hook = func(op, key string) error {
		if op == services.OpArchiveMatches || op == services.OpMaintain {
			return errors.New("db down")
		}
		return nil
	}
	ledger := &fakeLedger{err: errors.New("redis down")}
	h := NewHousekeeper(HousekeeperConfig{
		Store:         store,
		Ledger:        ledger,
		MaintainEvery: 1,
		Clock:         clockwork.NewFakeClockAt(now),
	})
	rep := h.RunRetention(context.Background())
	assert.Equal(t, 1, ledger.purges)
	assert.Equal(t, 3, len(rep.Errors))
	assert.Equal(t, false, rep.Maintained)
}
