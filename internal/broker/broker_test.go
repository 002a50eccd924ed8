package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	t.Parallel()

	transient := errors.New("collector timeout")
	tests := []struct {
		name    string
		opts    Options
		attempt int
		err     error
		want    Outcome
	}{
		{"success", Options{MaxAttempts: 3}, 1, nil, Ack},
		{"retry while attempts remain", Options{MaxAttempts: 3}, 2, transient, Retry},
		{"exhausted goes to dead letter", Options{MaxAttempts: 3, DeadLetter: true}, 3, transient, DeadLetter},
		{"exhausted without dead letter is discarded", Options{MaxAttempts: 3}, 3, transient, Discard},
		{"permanent skips retry", Options{MaxAttempts: 3, DeadLetter: true}, 1, Permanent(transient), DeadLetter},
		{"zero attempts behaves like one", Options{}, 1, transient, Discard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Decide(tt.opts, tt.attempt, tt.err))
		})
	}
}

func TestPermanentWrapsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("bad json")
	err := Permanent(cause)
	require.ErrorIs(t, err, ErrPermanent)
	require.ErrorIs(t, err, cause)
	require.NoError(t, Permanent(nil))
}

func TestAttemptHeaders(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, AttemptFromHeaders(nil))
	assert.Equal(t, 1, AttemptFromHeaders(map[string]string{HeaderAttempt: "zero"}))
	assert.Equal(t, 1, AttemptFromHeaders(map[string]string{HeaderAttempt: "-2"}))

	orig := map[string]string{"traceparent": "00-abc", HeaderAttempt: "2"}
	next := RetryHeaders(orig, 2, errors.New("boom"))
	assert.Equal(t, 3, AttemptFromHeaders(next))
	assert.Equal(t, "boom", next[HeaderError])
	assert.Equal(t, "00-abc", next["traceparent"])
	assert.Equal(t, "2", orig[HeaderAttempt], "original headers must not change")
}

func TestEncode(t *testing.T) {
	t.Parallel()

	raw, err := Encode([]byte("as-is"))
	require.NoError(t, err)
	assert.Equal(t, "as-is", string(raw))

	data, err := Encode(map[string]string{"job_id": "j"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"job_id":"j"}`, string(data))

	_, err = Encode(make(chan int))
	require.Error(t, err)
}

func TestSafeHandleRecoversPanic(t *testing.T) {
	t.Parallel()

	err := SafeHandle(context.Background(), func(context.Context, Delivery) error {
		panic("kaboom")
	}, Delivery{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ack", Ack.String())
	assert.Equal(t, "retry", Retry.String())
	assert.Equal(t, "dead_letter", DeadLetter.String())
	assert.Equal(t, "discard", Discard.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
