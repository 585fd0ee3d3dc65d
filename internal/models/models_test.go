package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeAnswerIsIdempotent(t *testing.T) {
	for _, raw := range []string{"Moon light!", "moonlight", "  m-o-o-n 1ight", "", "ÉCLAIR", "a​b"} {
		once := NormalizeAnswer(raw)
		require.Equal(t, once, NormalizeAnswer(once), raw)
		for _, r := range once {
			require.True(t, r >= 'A' && r <= 'Z')
		}
	}
	require.Equal(t, "MOONLIGHT", NormalizeAnswer("Moon light!"))
}

func TestPuzzleBeforeSaveNormalizes(t *testing.T) {
	p := &Puzzle{Answer: "moon-light"}
	require.NoError(t, p.BeforeSave(nil))
	require.Equal(t, "MOONLIGHT", p.NormalizedAnswer)
}

func TestTeamAllEmailsDeduplicates(t *testing.T) {
	team := Team{Members: []TeamMember{
		{Email: "a@x.test"}, {Email: " A@x.test "}, {Email: ""}, {Email: "b@x.test"},
	}}
	require.Equal(t, []string{"a@x.test", "b@x.test"}, team.AllEmails())
}

func TestTeamHuntStartAppliesOffset(t *testing.T) {
	launch := time.Date(2026, 1, 16, 12, 0, 0, 0, time.UTC)
	team := &Team{StartOffsetSeconds: 3600}
	require.Equal(t, launch.Add(-time.Hour), team.HuntStart(launch))

	var nobody *Team
	require.Equal(t, launch, nobody.HuntStart(launch))
}

func TestHintThreadHelpers(t *testing.T) {
	root := Hint{BaseModel: BaseModel{ID: 7}, IsRequest: true, Status: HintNoResponse}
	require.Equal(t, uint(7), root.ThreadID())
	require.True(t, root.Open())

	rootID := uint(7)
	responseID := uint(9)
	child := Hint{BaseModel: BaseModel{ID: 8}, IsRequest: true, RootAncestorID: &rootID, ResponseID: &responseID}
	require.Equal(t, uint(7), child.ThreadID())
	require.False(t, child.Open())

	require.True(t, HintRefunded.ResponseStatus())
	require.False(t, HintObsolete.ResponseStatus())
}

func TestEmailRecipientsUnion(t *testing.T) {
	e := Email{ToAddresses: []string{"a@x"}, CcAddresses: []string{"b@x"}, BccAddresses: []string{"c@x"}}
	require.Equal(t, []string{"a@x", "b@x", "c@x"}, e.Recipients())
	require.False(t, e.Inbound())
	e.Status = EmailRecvHint
	require.True(t, e.Inbound())
}
