package directory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"folioledger/errors"
	"folioledger/types"
)

func minerRecord(id string) types.NodeRecord {
	return types.NodeRecord{
		ID:   id,
		Role: types.RoleArchivalMiner,
		Host: "127.0.0.1",
		Port: 9000,
	}
}

func TestRegisterAssignsID(t *testing.T) {
	dir := NewDirectory()

	id, err := dir.Register(minerRecord(""))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, types.IDPrefix))

	rec, ok := dir.Get(id)
	require.True(t, ok)
	assert.Equal(t, types.ConnConnecting, rec.State)
	assert.False(t, rec.RegisteredAt.IsZero())
}

func TestRegisterRefusesLiveDuplicate(t *testing.T) {
	dir := NewDirectory()
	id, err := dir.Register(minerRecord("flminer-1"))
	require.NoError(t, err)

	_, err = dir.Register(minerRecord(id))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeDuplicateNode))
}

func TestReconnectKeepsRegistrationTime(t *testing.T) {
	dir := NewDirectory()
	id, err := dir.Register(minerRecord("flminer-1"))
	require.NoError(t, err)
	original, _ := dir.Get(id)

	dir.SetState(id, types.ConnDisconnected)
	_, err = dir.Register(minerRecord(id))
	require.NoError(t, err)

	rec, ok := dir.Get(id)
	require.True(t, ok)
	assert.Equal(t, original.RegisteredAt, rec.RegisteredAt)
	assert.Equal(t, types.ConnConnecting, rec.State)
}

func TestSyncedMiners(t *testing.T) {
	dir := NewDirectory()
	a, _ := dir.Register(minerRecord("flminer-a"))
	b, _ := dir.Register(minerRecord("flminer-b"))
	authority, _ := dir.Register(types.NodeRecord{ID: "flauth", Role: types.RoleAuthority})

	dir.SetState(a, types.ConnSynced)
	dir.SetState(b, types.ConnSyncing)
	dir.SetState(authority, types.ConnSynced)

	synced := dir.SyncedMiners()
	require.Len(t, synced, 1)
	assert.Equal(t, a, synced[0])
}

func TestRegisteredMinersCountDisconnected(t *testing.T) {
	dir := NewDirectory()
	a, _ := dir.Register(minerRecord("flminer-a"))
	b, _ := dir.Register(minerRecord("flminer-b"))
	dir.Register(types.NodeRecord{ID: "flauth", Role: types.RoleAuthority})

	dir.SetState(a, types.ConnSynced)
	dir.SetState(b, types.ConnDisconnected)

	miners := dir.RegisteredMiners()
	assert.ElementsMatch(t, []string{a, b}, miners)
}

func TestRestoreResetsStates(t *testing.T) {
	dir := NewDirectory()
	id, _ := dir.Register(minerRecord("flminer-1"))
	dir.SetState(id, types.ConnSynced)

	restored := NewDirectory()
	restored.Restore(dir.Snapshot())

	rec, ok := restored.Get(id)
	require.True(t, ok)
	assert.Equal(t, types.ConnDisconnected, rec.State)
	assert.Empty(t, restored.SyncedMiners())
}

func TestMarkSeenRevivesDisconnected(t *testing.T) {
	dir := NewDirectory()
	id, _ := dir.Register(minerRecord("flminer-1"))
	dir.SetState(id, types.ConnDisconnected)

	dir.MarkSeen(id)
	rec, _ := dir.Get(id)
	assert.Equal(t, types.ConnConnecting, rec.State)
}
