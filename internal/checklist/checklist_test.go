package checklist_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pinklemonade/internal/checklist"
	"pinklemonade/internal/stage"
)

func TestGenerateStageItems(t *testing.T) {
	items := checklist.Generate(stage.Writing, "Acme Foundation", nil)
	require.NotEmpty(t, items)
	for _, item := range items {
		assert.Equal(t, stage.Writing, item.Stage)
		assert.False(t, item.Completed)
		assert.NotEmpty(t, item.Key)
	}
	assert.Equal(t, "write-need-statement", items[0].Key)
}

func TestFederalFunderGetsSAMTasks(t *testing.T) {
	items := checklist.Generate(stage.Researching, "Federal Highway Administration", nil)
	require.GreaterOrEqual(t, len(items), 2)
	assert.Equal(t, "register-in-sam-gov", items[0].Key)
	assert.Equal(t, "obtain-uei-number", items[1].Key)

	plain := checklist.Generate(stage.Researching, "Acme Foundation", nil)
	assert.Equal(t, len(items)-2, len(plain))
	for _, item := range plain {
		assert.NotEqual(t, "register-in-sam-gov", item.Key)
	}
}

func TestGenerateOverrides(t *testing.T) {
	overrides := map[string][]checklist.Template{
		stage.Discovery: {{Task: "Custom intake step", Priority: "high"}},
	}
	items := checklist.Generate(stage.Discovery, "Acme", overrides)
	require.Len(t, items, 1)
	assert.Equal(t, "custom-intake-step", items[0].Key)

	// stages without override keep defaults
	assert.NotEmpty(t, checklist.Generate(stage.Review, "Acme", overrides))
}

func TestSlugStability(t *testing.T) {
	assert.Equal(t, "register-in-sam-gov", checklist.Slug("Register in SAM.gov"))
	assert.Equal(t, checklist.Slug("Submit  final report!"), checklist.Slug("Submit final report"))
	assert.Equal(t, "", checklist.Slug("—"))
}

func TestUnknownStage(t *testing.T) {
	assert.Nil(t, checklist.Generate("nope", "Acme", nil))
}
