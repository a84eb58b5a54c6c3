package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "fault", err: New(KindValidation, "bad plan"), want: KindValidation},
		{name: "wrapped fault", err: fmt.Errorf("outer: %w", New(KindTaskTimeout, "deadline")), want: KindTaskTimeout},
		{name: "plain error", err: errors.New("boom"), want: KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestWrapPreservesChain(t *testing.T) {
	cause := errors.New("connection reset")
	f := Wrap(KindProviderRetryable, "provider call failed", cause)

	require.ErrorIs(t, f, cause)
	assert.True(t, Retryable(f))
	assert.Equal(t, "PROVIDER_RETRYABLE: provider call failed", f.Error())
}

func TestErrorFallsBackToCause(t *testing.T) {
	cause := errors.New("boom")
	f := Wrap(KindInternal, "", cause)
	assert.Equal(t, "INTERNAL: boom", f.Error())
}

func TestWithDetail(t *testing.T) {
	f := New(KindDependencyCycle, "cycle detected").WithDetail("cycleTaskIds", []string{"a", "b"})
	v, ok := f.Detail("cycleTaskIds")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, v)

	_, ok = f.Detail("missing")
	assert.False(t, ok)
}

func TestAsFindsFaultThroughWrapping(t *testing.T) {
	inner := New(KindVersionMismatch, "base version 3, graph version 5")
	err := fmt.Errorf("apply envelope: %w", inner)

	f, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, KindVersionMismatch, f.Kind())
	assert.Equal(t, "base version 3, graph version 5", f.Message())
}
