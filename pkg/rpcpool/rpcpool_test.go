package rpcpool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowRejectsBeforeStart(t *testing.T) {
	p := New(2)
	assert.False(t, p.Allow("rpc1"))
}

func TestAllowAdmitsWithinCapAfterStart(t *testing.T) {
	p := New(2)
	p.Start()
	assert.True(t, p.Allow("rpc1"))
	assert.True(t, p.Allow("rpc1"))
	assert.False(t, p.Allow("rpc1"))
}

func TestAllowPerEndpointIndependence(t *testing.T) {
	p := New(1)
	p.Start()
	assert.True(t, p.Allow("rpc1"))
	assert.True(t, p.Allow("rpc2"))
	assert.False(t, p.Allow("rpc1"))
}

func TestStopRejectsFurtherAdmissions(t *testing.T) {
	p := New(2)
	p.Start()
	require.True(t, p.Allow("rpc1"))
	p.Stop()
	assert.False(t, p.Allow("rpc1"))
}

func TestDoRunsFnWhenAdmitted(t *testing.T) {
	p := New(2)
	p.Start()
	called := false
	err := p.Do(context.Background(), "rpc1", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestDoRejectsWithoutCallingFn(t *testing.T) {
	p := New(2)
	called := false
	err := p.Do(context.Background(), "rpc1", func(ctx context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.False(t, called)
}
