package transfer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []State
		ok   bool
	}{
		{"receive", []State{StateListening, StateAwaitingAccept, StateReceiving, StateCompleted, StateListening}, true},
		{"send", []State{StateAwaitingAccept, StateSending, StateCompleted}, true},
		{"reject", []State{StateListening, StateAwaitingAccept, StateCancelled, StateListening}, true},
		{"dial failure", []State{StateError}, true},
		{"skip accept", []State{StateListening, StateReceiving}, false},
		{"complete from idle", []State{StateCompleted}, false},
		{"send after completion", []State{StateAwaitingAccept, StateSending, StateCompleted, StateSending}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Machine
			var err error
			for _, next := range tt.path {
				if err = m.Transition(next); err != nil {
					break
				}
			}
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.path[len(tt.path)-1], m.State())
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

func TestTransitionFromIsExclusive(t *testing.T) {
	var m Machine
	require.NoError(t, m.Transition(StateListening))

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.TransitionFrom(StateListening, StateAwaitingAccept) == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	assert.Equal(t, StateAwaitingAccept, m.State())

	m.Reset()
	assert.Equal(t, StateIdle, m.State())
}

func TestStateCodes(t *testing.T) {
	assert.Equal(t, 0, StateIdle.Code())
	assert.Equal(t, 1, StateListening.Code())
	assert.Equal(t, 2, StateAwaitingAccept.Code())
	assert.Equal(t, 3, StateSending.Code())
	assert.Equal(t, 3, StateReceiving.Code())
	assert.Equal(t, 4, StateCompleted.Code())
	assert.Equal(t, 5, StateError.Code())
	assert.Equal(t, 5, StateCancelled.Code())

	assert.True(t, StateCancelled.Terminal())
	assert.False(t, StateListening.Terminal())
	assert.True(t, StateReceiving.Active())
	assert.False(t, StateAwaitingAccept.Active())
	assert.Equal(t, "awaiting_accept", StateAwaitingAccept.String())
}

func TestGate(t *testing.T) {
	var g Gate
	release, err := g.Acquire("one")
	require.NoError(t, err)
	assert.True(t, g.Busy())
	assert.Equal(t, "one", g.Owner())

	_, err = g.Acquire("two")
	assert.ErrorIs(t, err, ErrBusy)

	release()
	release()
	assert.False(t, g.Busy())

	release, err = g.Acquire("two")
	require.NoError(t, err)
	defer release()
	assert.Equal(t, "two", g.Owner())
}
