package pdu

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/danmuck/smfctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateFindDestroyLifecycle(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(4)

	sess, err := r.Create("imsi-001010000000001", 5)
	require.NoError(t, err)
	assert.Equal(t, StateEstablishing, sess.State)
	assert.True(t, sess.Idle())
	assert.Equal(t, 1, r.Len())

	got, ok := r.Find(sess.ID)
	require.True(t, ok)
	assert.Equal(t, "imsi-001010000000001:5", got.Label())

	err = r.Destroy(sess.ID)
	require.ErrorIs(t, err, ErrSessionNotClosed)

	_, err = r.Transition(sess.ID, StateReleased)
	require.NoError(t, err)
	require.NoError(t, r.Destroy(sess.ID))

	_, ok = r.Find(sess.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
	require.ErrorIs(t, r.Destroy(sess.ID), ErrSessionNotFound)
}

func TestCreateRejectsEmptyOwner(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(0)
	_, err := r.Create("  ", 1)
	require.ErrorIs(t, err, ErrInvalidOwner)
}

func TestDestroyRequiresIdleSlots(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(2)
	sess, err := r.Create("imsi-1", 1)
	require.NoError(t, err)

	_, err = r.Update(sess.ID, func(s *Session) error {
		s.State = StateReleased
		s.SetPending(ClassRelease, 9)
		return nil
	})
	require.NoError(t, err)
	require.ErrorIs(t, r.Destroy(sess.ID), ErrSessionBusy)

	_, err = r.Update(sess.ID, func(s *Session) error {
		s.SetPending(ClassRelease, 0)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, r.Destroy(sess.ID))
}

func TestLocatorIndexFollowsSessionField(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(8)
	a, _ := r.Create("imsi-a", 1)
	b, _ := r.Create("imsi-b", 1)

	_, err := r.SetLocator(a.ID, "loc-123")
	require.NoError(t, err)

	hit, ok := r.FindByLocator("loc-123")
	require.True(t, ok)
	assert.Equal(t, a.ID, hit.ID)

	_, err = r.SetLocator(b.ID, "loc-123")
	require.ErrorIs(t, err, ErrLocatorInUse)
	unchanged, _ := r.Find(b.ID)
	assert.Empty(t, unchanged.CallbackLocator)

	_, err = r.SetLocator(a.ID, "loc-456")
	require.NoError(t, err)
	_, ok = r.FindByLocator("loc-123")
	assert.False(t, ok, "old locator must be unbound")
	_, ok = r.FindByLocator("loc-456")
	assert.True(t, ok)

	_, err = r.ClearLocator(a.ID)
	require.NoError(t, err)
	_, ok = r.FindByLocator("loc-456")
	assert.False(t, ok)

	_, err = r.SetLocator(b.ID, "loc-123")
	require.NoError(t, err, "released locator is reusable")
}

func TestDestroyUnbindsLocator(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(8)
	sess, _ := r.Create("imsi-a", 1)
	_, err := r.Update(sess.ID, func(s *Session) error {
		s.CallbackLocator = "loc-x"
		s.State = StateReleased
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, r.Destroy(sess.ID))
	_, ok := r.FindByLocator("loc-x")
	assert.False(t, ok)
}

func TestUpdateErrorLeavesSessionUntouched(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(1)
	sess, _ := r.Create("imsi-a", 1)
	boom := errors.New("boom")
	_, err := r.Update(sess.ID, func(s *Session) error {
		s.State = StateQosFlowModification
		s.CallbackLocator = "loc-y"
		return boom
	})
	require.ErrorIs(t, err, boom)
	got, _ := r.Find(sess.ID)
	assert.Equal(t, StateEstablishing, got.State)
	_, ok := r.FindByLocator("loc-y")
	assert.False(t, ok)
}

func TestTransitionRejectsInvalidState(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(1)
	sess, _ := r.Create("imsi-a", 1)
	_, err := r.Transition(sess.ID, StateNone)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestConcurrentCreateAndLocatorBinding(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(16)
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := r.Create(fmt.Sprintf("imsi-%d", i), uint8(i%15+1))
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			if _, err := r.SetLocator(sess.ID, fmt.Sprintf("loc-%d", i)); err != nil {
				t.Errorf("set locator: %v", err)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, n, r.Len())
	list := r.List()
	require.Len(t, list, n)
	for _, sess := range list {
		hit, ok := r.FindByLocator(sess.CallbackLocator)
		require.True(t, ok)
		require.Equal(t, sess.ID, hit.ID)
	}
}
