package bindings

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cryguy/workerdev/internal/core"
)

type mockEmulator struct {
	env       core.Bindings
	err       error
	snapshots int
	closed    bool
}

func (m *mockEmulator) Bindings(context.Context) (core.Bindings, error) {
	m.snapshots++
	return m.env, m.err
}

func (m *mockEmulator) Close() error {
	m.closed = true
	return nil
}

func TestNoFactoryYieldsEmptyBindings(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.False(t, p.Enabled())

	env, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, env)
	require.Empty(t, env)
	require.NoError(t, p.Close())
}

func TestFactoryRunsEagerly(t *testing.T) {
	em := &mockEmulator{env: core.Bindings{"GREETING": "hello"}}
	started := 0

	p, err := New(context.Background(), func(context.Context) (core.Emulator, error) {
		started++
		return em, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, started)
	require.True(t, p.Enabled())
	require.Zero(t, em.snapshots)

	env, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.Bindings{"GREETING": "hello"}, env)
	require.Equal(t, 1, em.snapshots)

	_, err = p.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, started)
	require.Equal(t, 2, em.snapshots)

	require.NoError(t, p.Close())
	require.True(t, em.closed)
}

func TestFactoryFailureIsReturned(t *testing.T) {
	boom := errors.New("boom")
	_, err := New(context.Background(), func(context.Context) (core.Emulator, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
}

func TestFactoryReturningNothing(t *testing.T) {
	_, err := New(context.Background(), func(context.Context) (core.Emulator, error) {
		return nil, nil
	})
	require.Error(t, err)
}

func TestSnapshotError(t *testing.T) {
	boom := errors.New("snapshot failed")
	p := FromEmulator(&mockEmulator{err: boom})

	_, err := p.Snapshot(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestNilSnapshotBecomesEmpty(t *testing.T) {
	p := FromEmulator(&mockEmulator{})

	env, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, env)
}
