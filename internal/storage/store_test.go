package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/loraedge-tracker/internal/models"
	"github.com/lorawan-server/loraedge-tracker/pkg/crypto"
	"github.com/lorawan-server/loraedge-tracker/pkg/lorawan"
	"github.com/lorawan-server/loraedge-tracker/pkg/rose"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tracker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
}

var testEUI = lorawan.EUI64{0x00, 0x16, 0xC0, 0x01, 0xFF, 0xFE, 0x00, 0x01}

func mustRecord(t *testing.T, tag byte, payload []byte) rose.Record {
	t.Helper()
	r, err := rose.NewRecord(tag, payload)
	require.NoError(t, err)
	return r
}

func sampleSession(t *testing.T, window uint32, at time.Time) *models.DeviceSession {
	s := models.NewDeviceSession(models.SessionKey{DevEUI: testEUI, Window: window}, at.UTC().Truncate(time.Microsecond))
	s.Records = []rose.Record{
		mustRecord(t, rose.TagGnssScan, []byte{0xAA, 0xBB, 0xCC, 0xDD}),
		mustRecord(t, rose.TagWifiScan, []byte{0xC4, 0xB0}),
	}
	s.LastFCnt = window * 16
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		now := time.Now()

		s := sampleSession(t, 3, now)
		s.Requested = []rose.Kind{rose.KindWifiScan}
		s.Digests = []crypto.Digest{crypto.UplinkDigest(testEUI, 48, []byte{1, 2, 3})}
		submitted := now.UTC().Truncate(time.Microsecond)
		s.SubmittedAt = &submitted
		s.Submitted = 1
		s.Submissions = 1

		require.NoError(t, store.CreateSession(ctx, s))
		assert.Equal(t, int64(1), s.Version)

		got, err := store.GetSession(ctx, s.Key)
		require.NoError(t, err)

		assert.Equal(t, s.Key, got.Key)
		assert.Equal(t, models.SessionCollecting, got.State)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, s.Requested, got.Requested)
		assert.Equal(t, s.Digests, got.Digests)
		assert.Equal(t, 1, got.Submitted)
		assert.True(t, s.CreatedAt.Equal(got.CreatedAt))
		require.NotNil(t, got.SubmittedAt)
		assert.True(t, submitted.Equal(*got.SubmittedAt))
		assert.Nil(t, got.ClosedAt)

		want, err := rose.Encode(s.Records)
		require.NoError(t, err)
		have, err := rose.Encode(got.Records)
		require.NoError(t, err)
		if diff := cmp.Diff(want, have); diff != "" {
			t.Fatalf("records mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestSessionCreateDuplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		s := sampleSession(t, 1, time.Now())

		require.NoError(t, store.CreateSession(ctx, s))
		err := store.CreateSession(ctx, sampleSession(t, 1, time.Now()))
		assert.ErrorIs(t, err, ErrDuplicateKey)
	})
}

func TestSessionConditionalUpdate(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		s := sampleSession(t, 1, time.Now())
		require.NoError(t, store.CreateSession(ctx, s))

		first, err := store.GetSession(ctx, s.Key)
		require.NoError(t, err)
		second, err := store.GetSession(ctx, s.Key)
		require.NoError(t, err)

		first.State = models.SessionAwaitingSolver
		require.NoError(t, store.UpdateSession(ctx, first, 1))
		assert.Equal(t, int64(2), first.Version)

		second.State = models.SessionExpired
		err = store.UpdateSession(ctx, second, 1)
		assert.ErrorIs(t, err, ErrVersionConflict)

		got, err := store.GetSession(ctx, s.Key)
		require.NoError(t, err)
		assert.Equal(t, models.SessionAwaitingSolver, got.State)

		missing := sampleSession(t, 99, time.Now())
		assert.ErrorIs(t, store.UpdateSession(ctx, missing, 1), ErrNotFound)
	})
}

func TestSessionConcurrentUpdateSingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		s := sampleSession(t, 1, time.Now())
		require.NoError(t, store.CreateSession(ctx, s))

		const workers = 16
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				c := s.Clone()
				c.State = models.SessionAwaitingSolver
				err := store.UpdateSession(ctx, c, 1)
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				if !errors.Is(err, ErrVersionConflict) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
	})
}

func TestSessionDeleteAndList(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		base := time.Now().Add(-time.Hour)

		for i := uint32(0); i < 4; i++ {
			s := sampleSession(t, i, base.Add(time.Duration(i)*time.Minute))
			if i%2 == 1 {
				s.State = models.SessionResolved
			}
			require.NoError(t, store.CreateSession(ctx, s))
		}

		n, err := store.CountSessions(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		oldest, err := store.ListSessions(ctx, SessionFilter{}, 2)
		require.NoError(t, err)
		require.Len(t, oldest, 2)
		assert.Equal(t, uint32(0), oldest[0].Key.Window)
		assert.Equal(t, uint32(1), oldest[1].Key.Window)

		cutoff := base.Add(150 * time.Second)
		resolved, err := store.ListSessions(ctx, SessionFilter{
			States:        []models.SessionState{models.SessionResolved},
			UpdatedBefore: &cutoff,
		}, 0)
		require.NoError(t, err)
		require.Len(t, resolved, 1)
		assert.Equal(t, uint32(1), resolved[0].Key.Window)

		key := models.SessionKey{DevEUI: testEUI, Window: 0}
		assert.ErrorIs(t, store.DeleteSession(ctx, key, 7), ErrVersionConflict)
		require.NoError(t, store.DeleteSession(ctx, key, 1))
		assert.ErrorIs(t, store.DeleteSession(ctx, key, 1), ErrNotFound)

		_, err = store.GetSession(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestEvidenceAppendOnly(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		key := models.SessionKey{DevEUI: testEUI, Window: 2}

		var records []*models.EvidenceRecord
		for i, tag := range []uint8{0x01, 0x42, 0x02} {
			r := models.NewEvidence(key, 33, models.EvidenceRecordRaw, models.EvidenceLevelInfo)
			r.Seq = i
			tag := tag
			r.Tag = &tag
			r.Payload = []byte{byte(i), 0xFF}
			r.Details["kind"] = "test"
			records = append(records, r)
		}
		require.NoError(t, store.AppendEvidence(ctx, records...))

		pos := models.NewEvidence(key, 33, models.EvidencePosition, models.EvidenceLevelInfo)
		pos.Details["latitude"] = 45.0
		require.NoError(t, store.AppendEvidence(ctx, pos))

		all, total, err := store.ListEvidence(ctx, EvidenceFilter{DevEUI: &testEUI}, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(4), total)
		require.Len(t, all, 4)
		for i := 0; i < 3; i++ {
			require.NotNil(t, all[i].Tag)
			assert.Equal(t, *records[i].Tag, *all[i].Tag)
			assert.Equal(t, records[i].Payload, all[i].Payload)
			assert.Equal(t, "test", all[i].Details["kind"])
		}

		typ := models.EvidencePosition
		positions, total, err := store.ListEvidence(ctx, EvidenceFilter{Type: &typ}, 10, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		require.Len(t, positions, 1)
		assert.Nil(t, positions[0].Tag)
		assert.InDelta(t, 45.0, positions[0].Details["latitude"], 0.0001)

		err = store.AppendEvidence(ctx, &models.EvidenceRecord{})
		assert.ErrorIs(t, err, ErrInvalidData)
	})
}
