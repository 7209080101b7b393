package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autorefactor/pipeline/pkg/types"
)

func newTestSession(id string) *types.Session {
	return &types.Session{
		SessionID:            id,
		Mode:                 types.ModeAutonomous,
		Stage:                types.StageIntake,
		Status:               types.StatusPending,
		StageTimingsMS:       make(map[string]int64),
		AwaitingConfirmation: types.AwaitingNone,
	}
}

func TestStoreMutateAppliesFnAndStampsUpdatedAt(t *testing.T) {
	s := NewStore()
	session := newTestSession("sess-1")
	s.Create(session)

	err := s.Mutate("sess-1", func(sess *types.Session) {
		sess.Stage = types.StagePlanning
	})
	require.NoError(t, err)

	view, err := s.Snapshot("sess-1")
	require.NoError(t, err)
	assert.Equal(t, types.StagePlanning, view.Stage)
}

func TestStoreMutateUnknownSessionReturnsError(t *testing.T) {
	s := NewStore()
	err := s.Mutate("missing", func(sess *types.Session) {})
	assert.Error(t, err)
}

func TestStoreSnapshotDoesNotAliasLiveSession(t *testing.T) {
	s := NewStore()
	session := newTestSession("sess-2")
	s.Create(session)

	view, err := s.Snapshot("sess-2")
	require.NoError(t, err)
	view.Errors = append(view.Errors, "mutated view")

	require.NoError(t, s.Mutate("sess-2", func(sess *types.Session) {}))
	fresh, err := s.Snapshot("sess-2")
	require.NoError(t, err)
	assert.Empty(t, fresh.Errors)
}

func TestStoreDeleteRemovesSession(t *testing.T) {
	s := NewStore()
	s.Create(newTestSession("sess-3"))
	s.Delete("sess-3")

	_, err := s.Snapshot("sess-3")
	assert.Error(t, err)
}

func TestStorePendingReflectsAwaitingConfirmation(t *testing.T) {
	s := NewStore()
	s.Create(newTestSession("sess-4"))

	require.NoError(t, s.Mutate("sess-4", func(sess *types.Session) {
		sess.AwaitingConfirmation = types.AwaitingPlan
	}))

	pending, err := s.Pending("sess-4")
	require.NoError(t, err)
	assert.Equal(t, types.AwaitingPlan, pending)
}

func TestStorePendingUnknownSessionReturnsError(t *testing.T) {
	s := NewStore()
	_, err := s.Pending("missing")
	assert.Error(t, err)
}
