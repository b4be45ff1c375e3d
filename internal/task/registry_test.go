package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplaceAbortsPrevious(t *testing.T) {
	r := NewRegistry(context.Background())
	defer r.Close()

	first := r.Replace(Slot("request"))
	second := r.Replace(Slot("request"))

	assert.False(t, first.Current())
	require.Error(t, first.Context().Err(), "replaced task context should be cancelled")
	assert.True(t, second.Current())
	assert.NoError(t, second.Context().Err())
}

func TestSupersedeKeepsPreviousRunning(t *testing.T) {
	r := NewRegistry(context.Background())
	defer r.Close()

	first := r.Supersede(Keyed("update", 7))
	second := r.Supersede(Keyed("update", 7))

	assert.False(t, first.Current(), "superseded result must be discarded")
	assert.NoError(t, first.Context().Err(), "superseded request is not aborted")
	assert.True(t, second.Current())
}

func TestKeyedScopesAreIndependent(t *testing.T) {
	r := NewRegistry(context.Background())
	defer r.Close()

	g5 := r.Replace(Keyed("delete-group", 5))
	g7 := r.Replace(Keyed("delete-group", 7))
	slot := r.Replace(Slot("delete-group"))

	assert.True(t, g5.Current())
	assert.True(t, g7.Current())
	assert.True(t, slot.Current())
}

func TestDoneReleasesOnlyOwner(t *testing.T) {
	r := NewRegistry(context.Background())
	defer r.Close()

	key := Keyed("update", 1)
	first := r.Supersede(key)
	second := r.Supersede(key)

	first.Done()
	assert.True(t, r.Running(key), "stale Done must not release the newer task")
	assert.True(t, second.Current())

	second.Done()
	assert.False(t, r.Running(key))
	assert.False(t, second.Current())
}

func TestCloseCancelsEverything(t *testing.T) {
	r := NewRegistry(context.Background())
	a := r.Supersede(Keyed("update", 1))
	b := r.Replace(Slot("request"))

	r.Close()

	assert.False(t, a.Current())
	assert.False(t, b.Current())
	assert.Error(t, a.Context().Err())

	late := r.Supersede(Keyed("update", 2))
	assert.False(t, late.Current())
	assert.Error(t, late.Context().Err())
}

func TestSeqIsMonotonic(t *testing.T) {
	r := NewRegistry(context.Background())
	defer r.Close()

	a := r.Supersede(Slot("x"))
	b := r.Supersede(Slot("y"))
	assert.Less(t, a.Seq(), b.Seq())
	assert.Equal(t, "y", b.Key().String())
	assert.Equal(t, "update:3", Keyed("update", 3).String())
}
