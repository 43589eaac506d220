package raop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionHappyPathStateMachine(t *testing.T) {
	s := NewSession(44100, 16, 2)
	assert.Equal(t, StateIdle, s.Snapshot())

	require.NoError(t, s.Announce(SessionDescription{Codec: "AppleLossless"}))
	assert.Equal(t, StateAnnounced, s.Snapshot())

	require.NoError(t, s.Setup(6000, 6001, 6002, 7000, 7001))
	assert.Equal(t, StateSetUp, s.Snapshot())

	require.NoError(t, s.Record())
	assert.Equal(t, StateRecording, s.Snapshot())

	require.NoError(t, s.Flush(42))
	assert.Equal(t, StateRecording, s.Snapshot())

	require.NoError(t, s.Teardown())
	assert.Equal(t, StateTornDown, s.Snapshot())
}

func TestSessionRejectsOutOfOrderTransitions(t *testing.T) {
	s := NewSession(44100, 16, 2)

	err := s.Setup(1, 2, 3, 4, 5)
	require.Error(t, err)
	var te *transitionError
	assert.ErrorAs(t, err, &te)

	err = s.Record()
	require.Error(t, err)

	err = s.Flush(0)
	require.Error(t, err)
}

func TestTeardownValidFromAnyActiveState(t *testing.T) {
	s := NewSession(44100, 16, 2)
	require.NoError(t, s.Announce(SessionDescription{}))
	require.NoError(t, s.Teardown())
	assert.Equal(t, StateTornDown, s.Snapshot())
}
