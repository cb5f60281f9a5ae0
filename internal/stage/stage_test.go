package stage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pinklemonade/internal/domain"
	"pinklemonade/internal/stage"
)

func TestRegistryChain(t *testing.T) {
	all := stage.All()
	require.Len(t, all, 9)

	// Orders are unique and ascending.
	for i := 1; i < len(all); i++ {
		assert.Greater(t, all[i].Order, all[i-1].Order)
	}

	// Every Next pointer resolves to a registered stage.
	for _, info := range all {
		if info.Next != "" {
			assert.True(t, stage.Valid(info.Next), "stage %s points at unknown successor %s", info.Key, info.Next)
		}
	}

	assert.True(t, stage.Terminal(stage.Reporting))
	assert.True(t, stage.Terminal(stage.Declined))
	assert.False(t, stage.Terminal(stage.Discovery))
}

func TestReachableFrom(t *testing.T) {
	assert.Equal(t, []string{stage.Researching, stage.Declined}, stage.ReachableFrom(stage.Discovery))
	assert.Equal(t, []string{stage.Reporting, stage.Declined}, stage.ReachableFrom(stage.Awarded))
	assert.Nil(t, stage.ReachableFrom(stage.Reporting))
	assert.Nil(t, stage.ReachableFrom(stage.Declined))

	assert.True(t, stage.Allowed(stage.Submitted, stage.Awarded))
	assert.True(t, stage.Allowed(stage.Writing, stage.Declined))
	assert.False(t, stage.Allowed(stage.Discovery, stage.Submitted))
	assert.False(t, stage.Allowed(stage.Reporting, stage.Discovery))
}

func TestValidateRequiredFields(t *testing.T) {
	g := domain.Grant{Title: "STEM After School", Funder: "Acme Foundation"}

	ok, missing := stage.Validate(g, stage.Researching)
	assert.False(t, ok)
	assert.Equal(t, []string{"eligibility"}, missing)

	g.Eligibility = "501c3"
	ok, missing = stage.Validate(g, stage.Researching)
	assert.True(t, ok)
	assert.Empty(t, missing)

	// awarded requires a positive award amount
	ok, missing = stage.Validate(g, stage.Awarded)
	assert.False(t, ok)
	assert.Equal(t, []string{"award_amount"}, missing)

	zero := int64(0)
	g.AwardAmount = &zero
	ok, _ = stage.Validate(g, stage.Awarded)
	assert.False(t, ok)

	amount := int64(2500000)
	g.AwardAmount = &amount
	ok, _ = stage.Validate(g, stage.Awarded)
	assert.True(t, ok)
}

func TestValidateStagesWithoutRequirements(t *testing.T) {
	var g domain.Grant
	for _, key := range []string{stage.Discovery, stage.Writing, stage.Review, stage.Reporting, stage.Declined} {
		ok, missing := stage.Validate(g, key)
		assert.True(t, ok, "stage %s should have no entry requirements", key)
		assert.Empty(t, missing)
	}
}
