package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmmirror/crmmirror/pkg/models"
)

func fixedSource(targets []models.SyncTarget, err error) ConfigSource {
	return ConfigSourceFunc(func(context.Context) ([]models.SyncTarget, error) {
		return targets, err
	})
}

func TestRegistry_Refresh_filtersDisabledTargets(t *testing.T) {
	r := New(fixedSource([]models.SyncTarget{
		{ObjectType: "Account", IsRealtimeEnabled: true},
		{ObjectType: "Contact", IsRealtimeEnabled: false},
		{ObjectType: "Custom_Object__c", IsRealtimeEnabled: true},
	}, nil), zerolog.Nop())

	require.NoError(t, r.Refresh(context.Background()))

	assert.True(t, r.IsRegistered("Account"))
	assert.False(t, r.IsRegistered("Contact"))
	assert.True(t, r.IsRegistered("Custom_Object__c"))
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_IsRegistered_caseInsensitive(t *testing.T) {
	r := New(fixedSource([]models.SyncTarget{
		{ObjectType: "Account", IsRealtimeEnabled: true},
	}, nil), zerolog.Nop())
	require.NoError(t, r.Refresh(context.Background()))

	assert.True(t, r.IsRegistered("account"))
	assert.True(t, r.IsRegistered("ACCOUNT"))
}

func TestRegistry_Refresh_failureKeepsPreviousSet(t *testing.T) {
	targets := []models.SyncTarget{{ObjectType: "Account", IsRealtimeEnabled: true}}
	var fail error

	r := New(ConfigSourceFunc(func(context.Context) ([]models.SyncTarget, error) {
		return targets, fail
	}), zerolog.Nop())
	require.NoError(t, r.Refresh(context.Background()))

	fail = errors.New("store unavailable")
	err := r.Refresh(context.Background())
	require.Error(t, err)

	var re *RefreshError
	require.ErrorAs(t, err, &re)
	assert.True(t, r.IsRegistered("Account"), "failed refresh must keep the last good set")
}

func TestRegistry_RegisterAndUnregister(t *testing.T) {
	r := New(fixedSource(nil, nil), zerolog.Nop())

	require.Error(t, r.Register(models.SyncTarget{ObjectType: "Lead"}),
		"targets without realtime sync enabled are rejected")

	require.NoError(t, r.Register(models.SyncTarget{ObjectType: "Lead", IsRealtimeEnabled: true}))
	assert.True(t, r.IsRegistered("Lead"))

	r.Unregister("lead")
	assert.False(t, r.IsRegistered("Lead"))

	r.Unregister("lead") // no-op on unknown type
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_List_sorted(t *testing.T) {
	r := New(fixedSource([]models.SyncTarget{
		{ObjectType: "Opportunity", IsRealtimeEnabled: true},
		{ObjectType: "Account", IsRealtimeEnabled: true},
		{ObjectType: "Lead", IsRealtimeEnabled: true},
	}, nil), zerolog.Nop())
	require.NoError(t, r.Refresh(context.Background()))

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "Account", list[0].ObjectType)
	assert.Equal(t, "Lead", list[1].ObjectType)
	assert.Equal(t, "Opportunity", list[2].ObjectType)
}
