package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu     sync.Mutex
	states []float64
}

func (o *recordingObserver) SetBreakerState(_ string, state float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, state)
}

func (o *recordingObserver) last() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[len(o.states)-1]
}

var errUpstream = errors.New("upstream down")

func fail() (interface{}, error) { return nil, errUpstream }

func TestBreaker_TripsOnConsecutiveFailures(t *testing.T) {
	obs := &recordingObserver{}
	b := New(Settings{
		Name:                "ghl",
		MaxRequests:         1,
		Timeout:             time.Hour,
		ConsecutiveFailures: 3,
	}, nil, obs)

	for i := 0; i < 3; i++ {
		_, err := b.Execute(fail)
		require.ErrorIs(t, err, errUpstream)
	}

	assert.Equal(t, "open", b.State())
	assert.Equal(t, 2.0, obs.last())

	_, err := b.Execute(func() (interface{}, error) { return "ok", nil })
	assert.True(t, IsOpen(err), "open breaker should reject calls")
}

func TestBreaker_IsSuccessfulExcludesClientErrors(t *testing.T) {
	errClient := errors.New("bad request")
	b := New(Settings{Name: "ghl", ConsecutiveFailures: 2, Timeout: time.Hour},
		func(err error) bool { return err == nil || errors.Is(err, errClient) }, nil)

	for i := 0; i < 5; i++ {
		_, err := b.Execute(func() (interface{}, error) { return nil, errClient })
		require.ErrorIs(t, err, errClient)
	}
	assert.Equal(t, "closed", b.State())
	assert.Equal(t, uint32(0), b.Counts().TotalFailures)
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	obs := &recordingObserver{}
	b := New(Settings{
		Name:                "ghl",
		MaxRequests:         1,
		Timeout:             20 * time.Millisecond,
		ConsecutiveFailures: 1,
	}, nil, obs)

	_, _ = b.Execute(fail)
	require.Equal(t, "open", b.State())

	time.Sleep(40 * time.Millisecond)
	out, err := b.Execute(func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, "closed", b.State())
	assert.Equal(t, 0.0, obs.last())
}

func TestIsOpen(t *testing.T) {
	assert.False(t, IsOpen(nil))
	assert.False(t, IsOpen(errUpstream))
}
