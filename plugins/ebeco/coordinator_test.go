package ebeco

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestCoordinator(t *testing.T, api DeviceAPI, interval time.Duration) *Coordinator {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return NewCoordinator("bathroom", NewSession(42, api, logger), interval, logger)
}

func TestCoordinatorFirstRefreshMakesReady(t *testing.T) {
	c := newTestCoordinator(t, &fakeAPI{device: sampleDevice()}, time.Minute)
	assert.False(t, c.Ready())
	assert.Equal(t, stateUninitialized, c.State())
	_, ok := c.Snapshot()
	assert.False(t, ok)

	require.NoError(t, c.FirstRefresh(context.Background()))
	assert.True(t, c.Ready())
	assert.Equal(t, stateReady, c.State())
	require.NoError(t, c.WaitReady(context.Background()))

	snap, ok := c.Snapshot()
	require.True(t, ok)
	assert.Equal(t, SourcePoll, snap.Source)
	assert.Equal(t, uint64(1), snap.Sequence)
	assert.Equal(t, "Bathroom", snap.Device.DisplayName)
}

func TestCoordinatorFirstRefreshFailureStaysUninitialized(t *testing.T) {
	var failures []error
	c := newTestCoordinator(t, &fakeAPI{fetchErr: errors.New("offline")}, time.Minute)
	c.OnUpdateFailed = func(err error) { failures = append(failures, err) }

	err := c.FirstRefresh(context.Background())
	require.Error(t, err)
	var failed *UpdateFailedError
	assert.True(t, errors.As(err, &failed))
	assert.Len(t, failures, 1)
	assert.False(t, c.Ready())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitReady(ctx), context.DeadlineExceeded)
}

func TestCoordinatorRefreshReplacesCellWholesale(t *testing.T) {
	api := &fakeAPI{device: sampleDevice()}
	c := newTestCoordinator(t, api, time.Minute)
	require.NoError(t, c.FirstRefresh(context.Background()))

	next := sampleDevice()
	next.DisplayName = "Renamed"
	next.InstalledEffect = nil
	api.setDevice(next)
	require.NoError(t, c.Refresh(context.Background()))

	snap, _ := c.Snapshot()
	assert.Equal(t, uint64(2), snap.Sequence)
	assert.Equal(t, next, snap.Device)
}

func TestCoordinatorRefreshFailureKeepsCell(t *testing.T) {
	api := &fakeAPI{device: sampleDevice()}
	c := newTestCoordinator(t, api, time.Minute)
	require.NoError(t, c.FirstRefresh(context.Background()))
	before, _ := c.Snapshot()

	api.fetchErr = errors.New("offline")
	err := c.Refresh(context.Background())
	assert.Error(t, err)

	after, _ := c.Snapshot()
	assert.Equal(t, before, after)
	stats := c.Stats()
	assert.False(t, stats.LastPollOK)
	assert.Equal(t, "offline", stats.LastError)
}

func TestCoordinatorChangeRepublishes(t *testing.T) {
	c := newTestCoordinator(t, &fakeAPI{device: sampleDevice()}, time.Minute)
	require.NoError(t, c.FirstRefresh(context.Background()))

	require.True(t, c.Change(context.Background(), TemperatureChange(25)))

	snap, _ := c.Snapshot()
	assert.Equal(t, SourceChange, snap.Source)
	assert.Equal(t, uint64(2), snap.Sequence)
	assert.Equal(t, 25.0, *snap.Device.TemperatureSet)
	assert.True(t, *snap.Device.PowerOn)
	assert.Equal(t, uint64(1), c.Stats().ChangesApplied)
}

func TestCoordinatorFailedChangeLeavesCell(t *testing.T) {
	api := &fakeAPI{device: sampleDevice(), writeErr: ErrNoResult}
	c := newTestCoordinator(t, api, time.Minute)
	require.NoError(t, c.FirstRefresh(context.Background()))
	before, _ := c.Snapshot()

	assert.False(t, c.Change(context.Background(), PowerChange(true)))

	after, _ := c.Snapshot()
	assert.Equal(t, before, after)
	assert.Equal(t, uint64(1), c.Stats().ChangesFailed)
}

func TestCoordinatorRejectsChangeBeforeReady(t *testing.T) {
	api := &fakeAPI{device: sampleDevice()}
	c := newTestCoordinator(t, api, time.Minute)

	assert.False(t, c.Change(context.Background(), PowerChange(true)))
	assert.Empty(t, api.Calls())
}

func TestCoordinatorPollOverwritesOptimisticPatch(t *testing.T) {
	api := &fakeAPI{device: sampleDevice()}
	c := newTestCoordinator(t, api, time.Minute)
	require.NoError(t, c.FirstRefresh(context.Background()))

	require.True(t, c.Change(context.Background(), TemperatureChange(30)))
	require.NoError(t, c.Refresh(context.Background()))

	snap, _ := c.Snapshot()
	assert.Equal(t, SourcePoll, snap.Source)
	assert.Equal(t, 20.0, *snap.Device.TemperatureSet)
}

func TestCoordinatorSubscribersSeeEveryPublish(t *testing.T) {
	c := newTestCoordinator(t, &fakeAPI{device: sampleDevice()}, time.Minute)
	updates, cancel := c.Subscribe()
	defer cancel()

	require.NoError(t, c.FirstRefresh(context.Background()))
	first := <-updates
	assert.Equal(t, SourcePoll, first.Source)

	require.True(t, c.Change(context.Background(), PowerChange(true)))
	second := <-updates
	assert.Equal(t, SourceChange, second.Source)
	assert.Equal(t, uint64(2), second.Sequence)
}

func TestCoordinatorSlowSubscriberGetsLatest(t *testing.T) {
	c := newTestCoordinator(t, &fakeAPI{device: sampleDevice()}, time.Minute)
	updates, cancel := c.Subscribe()
	defer cancel()

	require.NoError(t, c.FirstRefresh(context.Background()))
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Refresh(context.Background()))
	}

	latest := <-updates
	assert.Equal(t, uint64(6), latest.Sequence)
	select {
	case extra := <-updates:
		t.Fatalf("unexpected extra snapshot %d", extra.Sequence)
	default:
	}
}

func TestCoordinatorRunPollsAndStops(t *testing.T) {
	api := &fakeAPI{device: sampleDevice()}
	c := newTestCoordinator(t, api, 5*time.Millisecond)
	require.NoError(t, c.FirstRefresh(context.Background()))
	updates, _ := c.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, func() bool {
		snap, _ := c.Snapshot()
		return snap.Sequence >= 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// Drain until closed.
	for range updates {
	}
}

func TestCoordinatorSerializesRefreshAndChange(t *testing.T) {
	api := &fakeAPI{device: sampleDevice()}
	c := newTestCoordinator(t, api, time.Minute)
	require.NoError(t, c.FirstRefresh(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = c.Refresh(context.Background())
		}()
		go func() {
			defer wg.Done()
			c.Change(context.Background(), PowerChange(true))
		}()
	}
	wg.Wait()

	snap, ok := c.Snapshot()
	require.True(t, ok)
	assert.Equal(t, uint64(41), snap.Sequence)
}

func TestCoordinatorAgainstVendorServer(t *testing.T) {
	vendor := newVendorState()
	client, _ := newTestClient(t, vendorHandler(t, vendor))
	c := NewCoordinator("bathroom", NewSession(42, client, zaptest.NewLogger(t)), time.Minute, zaptest.NewLogger(t))
	require.NoError(t, c.FirstRefresh(context.Background()))

	require.True(t, c.Change(context.Background(), PresetChange(PresetTimer)))
	assert.Equal(t, "Timer", vendor.Device().SelectedProgram)

	vendor.FailUpdates(true)
	assert.False(t, c.Change(context.Background(), PresetChange(PresetManual)))
	snap, _ := c.Snapshot()
	assert.Equal(t, "Timer", snap.Device.SelectedProgram)
}
