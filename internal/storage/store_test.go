package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savegress/oeesense/pkg/models"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func strp(s string) *string { return &s }

func seedCatalog(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.CreatePlant(ctx, &models.Plant{ID: "plant-1", OrganizationID: "org-1", Name: "North"}))
	require.NoError(t, s.CreatePlant(ctx, &models.Plant{ID: "plant-2", OrganizationID: "org-1", Name: "South"}))
	require.NoError(t, s.CreateLine(ctx, &models.Line{ID: "line-1", PlantID: "plant-1", Name: "Filling"}))
	require.NoError(t, s.CreateLine(ctx, &models.Line{ID: "line-2", PlantID: "plant-2", Name: "Packing"}))
	require.NoError(t, s.CreateMachine(ctx, &models.Machine{ID: "m-1", OrganizationID: "org-1", LineID: "line-1", Name: "Filler A", DefaultIdealRate: 200}))
	require.NoError(t, s.CreateMachine(ctx, &models.Machine{ID: "m-2", OrganizationID: "org-1", LineID: "line-1", Name: "Filler B", DefaultIdealRate: 100}))
	require.NoError(t, s.CreateMachine(ctx, &models.Machine{ID: "m-3", OrganizationID: "org-1", LineID: "line-2", Name: "Packer"}))
	require.NoError(t, s.CreateShiftTemplate(ctx, &models.ShiftTemplate{ID: "tpl-night", Name: "Night", StartClock: "22:00", EndClock: "06:00"}))
	require.NoError(t, s.CreateReasonCode(ctx, &models.ReasonCode{ID: "rc-1", OrganizationID: "org-1", Code: "JAM", Description: "Jam", Category: models.ReasonUnplanned}))
	require.NoError(t, s.CreateReasonCode(ctx, &models.ReasonCode{ID: "rc-2", OrganizationID: "org-1", Code: "BRK", Description: "Break", Category: models.ReasonPlanned}))
	require.NoError(t, s.SetMachineProductRate(ctx, &models.MachineProductConfig{MachineID: "m-1", ProductID: "p-1", IdealRate: 120}))
}

// runStoreContract exercises behaviour every Store must share
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("hierarchy", func(t *testing.T) {
		s := newStore(t)
		seedCatalog(t, s)
		ctx := context.Background()

		m, err := s.GetMachine(ctx, "m-1")
		require.NoError(t, err)
		assert.Equal(t, "Filler A", m.Name)
		assert.Equal(t, 200.0, m.DefaultIdealRate)

		_, err = s.GetMachine(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		line, err := s.GetLine(ctx, "line-2")
		require.NoError(t, err)
		assert.Equal(t, "plant-2", line.PlantID)

		plants, err := s.ListPlants(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, plants, 2)

		plants, err = s.ListPlants(ctx, []string{"plant-2"})
		require.NoError(t, err)
		require.Len(t, plants, 1)
		assert.Equal(t, "South", plants[0].Name)

		lines, err := s.ListLines(ctx, "plant-1")
		require.NoError(t, err)
		assert.Len(t, lines, 1)

		machines, err := s.ListMachines(ctx, "line-1")
		require.NoError(t, err)
		require.Len(t, machines, 2)
		assert.Equal(t, "Filler A", machines[0].Name)

		tpl, err := s.GetShiftTemplate(ctx, "tpl-night")
		require.NoError(t, err)
		assert.Equal(t, "06:00", tpl.EndClock)
	})

	t.Run("machines in scope", func(t *testing.T) {
		s := newStore(t)
		seedCatalog(t, s)
		ctx := context.Background()

		ids := func(scope models.Scope) []string {
			machines, err := s.MachinesInScope(ctx, scope)
			require.NoError(t, err)
			var out []string
			for _, m := range machines {
				out = append(out, m.ID)
			}
			return out
		}

		assert.Equal(t, []string{"m-1", "m-2", "m-3"}, ids(models.Scope{Level: models.ScopeGlobal}))
		assert.Equal(t, []string{"m-3"}, ids(models.Scope{Level: models.ScopeGlobal, PermittedPlantIDs: []string{"plant-2"}}))
		assert.Equal(t, []string{"m-1", "m-2"}, ids(models.Scope{Level: models.ScopePlant, ID: "plant-1"}))
		assert.Equal(t, []string{"m-3"}, ids(models.Scope{Level: models.ScopeLine, ID: "line-2"}))
		assert.Equal(t, []string{"m-2"}, ids(models.Scope{Level: models.ScopeMachine, ID: "m-2"}))
		assert.Empty(t, ids(models.Scope{Level: models.ScopeMachine, ID: "nope"}))
	})

	t.Run("shift lifecycle with version check", func(t *testing.T) {
		s := newStore(t)
		seedCatalog(t, s)
		ctx := context.Background()

		started := day.Add(8 * time.Hour)
		shift := &models.ShiftRecord{
			ID: "s-1", MachineID: "m-1", ProductID: strp("p-1"), StartedAt: started,
			Status: models.ShiftStatusActive, BatchNumber: "B-7",
		}
		require.NoError(t, s.CreateShift(ctx, shift))

		got, err := s.GetShift(ctx, "s-1")
		require.NoError(t, err)
		assert.True(t, got.StartedAt.Equal(started))
		assert.Nil(t, got.EndedAt)
		require.NotNil(t, got.ProductID)
		assert.Equal(t, "p-1", *got.ProductID)
		assert.Equal(t, int64(0), got.Version)

		ended := started.Add(8 * time.Hour)
		got.EndedAt = &ended
		got.Status = models.ShiftStatusCompleted
		got.GoodCount = 700
		got.Metadata.TargetOutput = 900
		require.NoError(t, s.UpdateShift(ctx, got))
		assert.Equal(t, int64(1), got.Version)

		stale := *got
		stale.Version = 0
		assert.ErrorIs(t, s.UpdateShift(ctx, &stale), ErrVersionConflict)

		reread, err := s.LockShift(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, models.ShiftStatusCompleted, reread.Status)
		assert.Equal(t, int64(900), reread.Metadata.TargetOutput)
		require.NotNil(t, reread.EndedAt)
		assert.True(t, reread.EndedAt.Equal(ended))

		missing := &models.ShiftRecord{ID: "nope"}
		assert.ErrorIs(t, s.UpdateShift(ctx, missing), ErrNotFound)
	})

	t.Run("find shifts", func(t *testing.T) {
		s := newStore(t)
		seedCatalog(t, s)
		ctx := context.Background()

		for i, st := range []models.ShiftStatus{models.ShiftStatusCompleted, models.ShiftStatusActive, models.ShiftStatusCancelled} {
			require.NoError(t, s.CreateShift(ctx, &models.ShiftRecord{
				ID: string(rune('a' + i)), MachineID: "m-1", StartedAt: day.Add(time.Duration(i) * 24 * time.Hour), Status: st,
			}))
		}
		require.NoError(t, s.CreateShift(ctx, &models.ShiftRecord{ID: "other", MachineID: "m-3", StartedAt: day, Status: models.ShiftStatusCompleted}))

		shifts, err := s.FindShifts(ctx, ShiftFilter{MachineIDs: []string{"m-1"}, From: day, To: day.Add(48 * time.Hour)})
		require.NoError(t, err)
		require.Len(t, shifts, 2)
		assert.Equal(t, "a", shifts[0].ID)
		assert.Equal(t, "b", shifts[1].ID)

		shifts, err = s.FindShifts(ctx, ShiftFilter{
			MachineIDs: []string{"m-1", "m-3"},
			Statuses:   []models.ShiftStatus{models.ShiftStatusCompleted},
		})
		require.NoError(t, err)
		assert.Len(t, shifts, 2)

		shifts, err = s.FindShifts(ctx, ShiftFilter{})
		require.NoError(t, err)
		assert.Empty(t, shifts)
	})

	t.Run("downtime", func(t *testing.T) {
		s := newStore(t)
		seedCatalog(t, s)
		ctx := context.Background()

		require.NoError(t, s.CreateShift(ctx, &models.ShiftRecord{ID: "s-1", MachineID: "m-1", StartedAt: day.Add(8 * time.Hour), Status: models.ShiftStatusActive}))
		closedEnd := day.Add(9*time.Hour + 30*time.Minute)
		require.NoError(t, s.CreateDowntime(ctx, &models.DowntimeEvent{
			ID: "d-1", MachineID: "m-1", ShiftID: strp("s-1"), ReasonCodeID: strp("rc-1"),
			StartTime: day.Add(9 * time.Hour), EndTime: &closedEnd, DurationSeconds: 1800,
		}))
		require.NoError(t, s.CreateDowntime(ctx, &models.DowntimeEvent{
			ID: "d-2", MachineID: "m-1", ShiftID: strp("s-1"), StartTime: day.Add(11 * time.Hour),
		}))
		require.NoError(t, s.CreateDowntime(ctx, &models.DowntimeEvent{
			ID: "d-3", MachineID: "m-2", StartTime: day.Add(3 * time.Hour), EndTime: ptrTime(day.Add(4 * time.Hour)),
		}))

		events, err := s.FindDowntimeByShiftIDs(ctx, []string{"s-1"})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "d-1", events[0].ID)
		require.NotNil(t, events[0].ReasonCodeID)
		assert.Nil(t, events[1].EndTime)

		// ongoing d-2 overlaps any later window
		events, err = s.FindDowntimeByMachines(ctx, []string{"m-1", "m-2"}, day.Add(10*time.Hour), day.Add(24*time.Hour))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "d-2", events[0].ID)

		events, err = s.FindDowntimeByMachines(ctx, []string{"m-2"}, day, day.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Len(t, events, 1)

		require.NoError(t, s.EndDowntime(ctx, "d-2", day.Add(11*time.Hour+15*time.Minute)))
		ended, err := s.GetDowntime(ctx, "d-2")
		require.NoError(t, err)
		require.NotNil(t, ended.EndTime)
		assert.Equal(t, int64(900), ended.DurationSeconds)

		assert.ErrorIs(t, s.EndDowntime(ctx, "nope", day), ErrNotFound)
	})

	t.Run("changeovers and production logs", func(t *testing.T) {
		s := newStore(t)
		seedCatalog(t, s)
		ctx := context.Background()

		require.NoError(t, s.CreateShift(ctx, &models.ShiftRecord{ID: "s-1", MachineID: "m-1", StartedAt: day.Add(8 * time.Hour), Status: models.ShiftStatusActive}))
		good := int64(300)
		require.NoError(t, s.CreateChangeover(ctx, &models.ProductChangeover{ID: "c-2", ShiftID: "s-1", ToProduct: "p-3", ChangedAt: day.Add(14 * time.Hour)}))
		require.NoError(t, s.CreateChangeover(ctx, &models.ProductChangeover{ID: "c-1", ShiftID: "s-1", FromProduct: strp("p-1"), ToProduct: "p-2", ChangedAt: day.Add(12 * time.Hour), GoodCount: &good}))

		changeovers, err := s.FindChangeoversByShift(ctx, "s-1")
		require.NoError(t, err)
		require.Len(t, changeovers, 2)
		assert.Equal(t, "c-1", changeovers[0].ID)
		require.NotNil(t, changeovers[0].GoodCount)
		assert.Equal(t, int64(300), *changeovers[0].GoodCount)
		assert.Nil(t, changeovers[0].RejectCount)
		assert.Nil(t, changeovers[1].FromProduct)

		for i := 1; i <= 3; i++ {
			require.NoError(t, s.CreateProductionLog(ctx, &models.ProductionLog{
				ID: string(rune('0' + i)), ShiftID: "s-1", MachineID: "m-1",
				LoggedAt: day.Add(time.Duration(8+i) * time.Hour), GoodCount: 100, RejectCount: 2,
			}))
		}
		logs, err := s.FindProductionLogs(ctx, "s-1", day.Add(8*time.Hour), day.Add(10*time.Hour))
		require.NoError(t, err)
		assert.Len(t, logs, 2)
	})

	t.Run("reason codes and rates", func(t *testing.T) {
		s := newStore(t)
		seedCatalog(t, s)
		ctx := context.Background()

		codes, err := s.ListReasonCodes(ctx, []string{"rc-2"})
		require.NoError(t, err)
		require.Len(t, codes, 1)
		assert.Equal(t, models.ReasonPlanned, codes[0].Category)

		rate, ok, err := s.GetMachineProductRate(ctx, "m-1", "p-1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 120.0, rate)

		_, ok, err = s.GetMachineProductRate(ctx, "m-1", "p-9")
		require.NoError(t, err)
		assert.False(t, ok)

		avg, ok, err := s.AverageDefaultIdealRate(ctx, "org-1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.InDelta(t, 150.0, avg, 1e-9)

		_, ok, err = s.AverageDefaultIdealRate(ctx, "org-empty")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("targets", func(t *testing.T) {
		s := newStore(t)
		seedCatalog(t, s)
		ctx := context.Background()

		require.NoError(t, s.CreateTarget(ctx, &models.ProductionTarget{
			ID: "t-1", MachineID: strp("m-1"), EffectiveFrom: day.AddDate(0, 0, -10), TargetOEE: 80, CreatedAt: day,
		}))
		require.NoError(t, s.CreateTarget(ctx, &models.ProductionTarget{
			ID: "t-2", LineID: strp("line-1"), EffectiveFrom: day.AddDate(0, 0, -10), EffectiveTo: ptrTime(day.AddDate(0, 0, -1)), TargetOEE: 70, CreatedAt: day,
		}))
		err := s.CreateTarget(ctx, &models.ProductionTarget{ID: "bad", EffectiveFrom: day})
		assert.ErrorIs(t, err, models.ErrInvalidTargetScope)

		targets, err := s.FindTargets(ctx, TargetFilter{MachineID: "m-1", LineID: "line-1", AsOf: day.Add(15 * time.Hour)})
		require.NoError(t, err)
		require.Len(t, targets, 1)
		assert.Equal(t, "t-1", targets[0].ID)

		targets, err = s.FindTargets(ctx, TargetFilter{LineID: "line-1", AsOf: day.AddDate(0, 0, -1)})
		require.NoError(t, err)
		require.Len(t, targets, 1)
		assert.Equal(t, "t-2", targets[0].ID)
	})

	t.Run("daily metrics upsert", func(t *testing.T) {
		s := newStore(t)
		seedCatalog(t, s)
		ctx := context.Background()

		require.NoError(t, s.UpsertDailyMetric(ctx, &models.DailyOeeMetric{MachineID: "m-1", Date: day.Add(5 * time.Hour), OEE: 50}))
		require.NoError(t, s.UpsertDailyMetric(ctx, &models.DailyOeeMetric{MachineID: "m-1", Date: day, OEE: 60, TotalGood: 10}))
		require.NoError(t, s.UpsertDailyMetric(ctx, &models.DailyOeeMetric{MachineID: "m-1", Date: day.AddDate(0, 0, 1), OEE: 70}))

		metrics, err := s.FindDailyMetrics(ctx, []string{"m-1"}, day, day.AddDate(0, 0, 1))
		require.NoError(t, err)
		require.Len(t, metrics, 1)
		assert.Equal(t, 60.0, metrics[0].OEE)
		assert.Equal(t, int64(10), metrics[0].TotalGood)
		assert.True(t, metrics[0].Date.Equal(day))
	})

	t.Run("transaction rollback on error", func(t *testing.T) {
		s := newStore(t)
		seedCatalog(t, s)
		ctx := context.Background()

		require.NoError(t, s.CreateShift(ctx, &models.ShiftRecord{ID: "s-1", MachineID: "m-1", StartedAt: day, Status: models.ShiftStatusActive}))

		boom := errors.New("boom")
		err := s.WithTx(ctx, func(tx Store) error {
			if _, err := tx.LockShift(ctx, "s-1"); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		err = s.WithTx(ctx, func(tx Store) error {
			shift, err := tx.LockShift(ctx, "s-1")
			if err != nil {
				return err
			}
			shift.Status = models.ShiftStatusCancelled
			return tx.UpdateShift(ctx, shift)
		})
		require.NoError(t, err)

		got, err := s.GetShift(ctx, "s-1")
		require.NoError(t, err)
		assert.Equal(t, models.ShiftStatusCancelled, got.Status)
	})
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, err := OpenSQLite(context.Background(), ":memory:")
		if err != nil {
			t.Skipf("sqlite unavailable: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMemoryStore_ConcurrentUpdatesConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateShift(ctx, &models.ShiftRecord{ID: "s-1", MachineID: "m-1", StartedAt: day, Status: models.ShiftStatusActive}))

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	start := make(chan struct{})

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shift, err := s.GetShift(ctx, "s-1")
			if !assert.NoError(t, err) {
				return
			}
			<-start
			err = s.UpdateShift(ctx, shift)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrVersionConflict) {
				conflicts++
			} else if err == nil {
				wins++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, conflicts)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateShift(ctx, &models.ShiftRecord{ID: "s-1", MachineID: "m-1", StartedAt: day, Status: models.ShiftStatusActive}))

	got, err := s.GetShift(ctx, "s-1")
	require.NoError(t, err)
	got.Status = models.ShiftStatusCancelled

	again, err := s.GetShift(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, models.ShiftStatusActive, again.Status)
}
