package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeadKey_ID(t *testing.T) {
	t.Parallel()

	k := LeadKey{ListerID: "D1", ListerType: ListerDeveloper, SeekerID: "abc", ListingID: "L1", ContextType: ContextListing}
	id := k.ID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, id, k.ID())

	other := k
	other.ContextType = ContextProfile
	other.ListingID = ""
	assert.NotEqual(t, id, other.ID())
}

func TestLeadKey_Validate(t *testing.T) {
	t.Parallel()

	ok := LeadKey{ListerID: "D1", ListerType: ListerAgent, SeekerID: "s"}
	assert.NoError(t, ok.Validate())

	assert.Error(t, LeadKey{ListerType: ListerAgent, SeekerID: "s"}.Validate())
	assert.Error(t, LeadKey{ListerID: "D1", ListerType: "owner", SeekerID: "s"}.Validate())
	assert.Error(t, LeadKey{ListerID: "D1", ListerType: ListerAgent}.Validate())
}

func TestActionForClass(t *testing.T) {
	t.Parallel()

	a, ok := ActionForClass(ClassLeadAppointment)
	require.True(t, ok)
	assert.Equal(t, ActionAppointment, a)

	_, ok = ActionForClass(ClassView)
	assert.False(t, ok)
}
