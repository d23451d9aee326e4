package power

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "macrosched/pkg/logx"
)

type fakeInhibitor struct {
	taken    int
	released int
	err      error
}

func (f *fakeInhibitor) Inhibit(string) (func() error, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.taken++
	return func() error { f.released++; return nil }, nil
}

func TestKeeperFollowsArmedCount(t *testing.T) {
	inh := &fakeInhibitor{}
	k := NewKeeper(inh, true, logx.Nop())

	k.Update(0)
	assert.False(t, k.Held())

	k.Update(2)
	k.Update(3)
	assert.True(t, k.Held())
	assert.Equal(t, 1, inh.taken)

	k.Update(0)
	assert.False(t, k.Held())
	assert.Equal(t, 1, inh.released)
}

func TestKeeperDisabled(t *testing.T) {
	inh := &fakeInhibitor{}
	k := NewKeeper(inh, false, logx.Nop())
	k.Update(5)
	assert.False(t, k.Held())

	k.SetEnabled(true)
	assert.True(t, k.Held())

	require.NoError(t, k.Close())
	assert.False(t, k.Held())
	assert.Equal(t, 1, inh.released)
}

func TestKeeperInhibitFailure(t *testing.T) {
	inh := &fakeInhibitor{err: errors.New("no bus")}
	k := NewKeeper(inh, true, logx.Nop())
	k.Update(1)
	assert.False(t, k.Held())

	inh.err = nil
	k.Update(1)
	assert.True(t, k.Held())
}
