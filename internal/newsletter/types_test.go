package newsletter

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCampaignTransitions(t *testing.T) {
	cases := []struct {
		from    string
		to      string
		allowed bool
	}{
		{CampaignDraft, CampaignScheduled, true},
		{CampaignDraft, CampaignRunning, true},
		{CampaignDraft, CampaignCompleted, false},
		{CampaignDraft, CampaignError, false},
		{CampaignScheduled, CampaignDraft, true},
		{CampaignScheduled, CampaignRunning, true},
		{CampaignScheduled, CampaignCompleted, false},
		{CampaignRunning, CampaignCompleted, true},
		{CampaignRunning, CampaignError, true},
		{CampaignRunning, CampaignDraft, false},
		{CampaignRunning, CampaignScheduled, false},
		{CampaignCompleted, CampaignRunning, false},
		{CampaignCompleted, CampaignDraft, false},
		{CampaignError, CampaignRunning, false},
		{CampaignError, CampaignDraft, false},
	}

	for _, tc := range cases {
		c := &Campaign{Status: tc.from}
		assert.Equal(t, tc.allowed, c.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestResolveBodyInlineWins(t *testing.T) {
	tplID := uuid.New()
	c := &Campaign{BodyHTML: "<p>inline</p>", BodyText: "inline", TemplateID: &tplID}

	source, err := c.ResolveBody()
	require.NoError(t, err)

	body, ok := source.(InlineBody)
	require.True(t, ok)
	assert.Equal(t, "<p>inline</p>", body.HTML)
	assert.Equal(t, "inline", body.Text)
}

func TestResolveBodyTemplateRef(t *testing.T) {
	tplID := uuid.New()
	c := &Campaign{TemplateID: &tplID}

	source, err := c.ResolveBody()
	require.NoError(t, err)

	ref, ok := source.(TemplateRef)
	require.True(t, ok)
	assert.Equal(t, tplID, ref.ID)
}

func TestResolveBodyEmptyCampaign(t *testing.T) {
	c := &Campaign{}
	_, err := c.ResolveBody()
	assert.True(t, IsValidation(err))
}
