package interfaces

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParticipantStatus_TransitionTable(t *testing.T) {
	allowed := map[ParticipantStatus][]ParticipantStatus{
		ParticipantCreated:      {ParticipantWaiting, ParticipantContributing},
		ParticipantWaiting:      {ParticipantContributing},
		ParticipantContributing: {ParticipantContributed, ParticipantDone, ParticipantTimedOut},
		ParticipantContributed:  {ParticipantWaiting, ParticipantContributing},
		ParticipantDone:         {ParticipantFinalizing},
		ParticipantTimedOut:     {ParticipantExhumed, ParticipantWaiting, ParticipantContributing},
		ParticipantExhumed:      {ParticipantWaiting, ParticipantContributing},
		ParticipantFinalizing:   {ParticipantFinalized},
		ParticipantFinalized:    {},
	}

	for from := range participantStatusNames {
		for to := range participantStatusNames {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestCeremonyState_TransitionTable(t *testing.T) {
	assert.True(t, CeremonyScheduled.CanTransition(CeremonyOpened))
	assert.True(t, CeremonyOpened.CanTransition(CeremonyClosed))
	assert.True(t, CeremonyPaused.CanTransition(CeremonyOpened))
	assert.True(t, CeremonyClosed.CanTransition(CeremonyFinalized))
	assert.False(t, CeremonyClosed.CanTransition(CeremonyOpened))
	assert.False(t, CeremonyFinalized.CanTransition(CeremonyClosed))
	assert.False(t, CeremonyScheduled.CanTransition(CeremonyFinalized))
}

func TestParticipant_TransitionTo(t *testing.T) {
	p := &Participant{Status: ParticipantDone}
	err := p.TransitionTo(ParticipantContributing)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "from DONE to CONTRIBUTING")
	assert.Equal(t, ParticipantDone, p.Status)

	require.NoError(t, p.TransitionTo(ParticipantFinalizing))
	assert.Equal(t, ParticipantFinalizing, p.Status)
}

func TestContributionStep_Next(t *testing.T) {
	step := StepDownloading
	var visited []string
	for step != StepCompleted {
		next, err := step.Next()
		require.NoError(t, err)
		require.True(t, next.After(step))
		visited = append(visited, next.String())
		step = next
	}
	assert.Equal(t, []string{"COMPUTING", "UPLOADING", "VERIFYING", "COMPLETED"}, visited)

	_, err := StepCompleted.Next()
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = StepNone.Next()
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEnums_TextCodec(t *testing.T) {
	p := Participant{
		UserID:           "alice",
		Status:           ParticipantTimedOut,
		ContributionStep: StepUploading,
	}
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"TIMEDOUT"`)
	assert.Contains(t, string(data), `"contributionStep":"UPLOADING"`)

	var decoded Participant
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ParticipantTimedOut, decoded.Status)
	assert.Equal(t, StepUploading, decoded.ContributionStep)

	var state CeremonyState
	assert.Error(t, state.UnmarshalText([]byte("RUNNING")))
	_, err = CeremonyState(42).MarshalText()
	assert.Error(t, err)
	assert.Equal(t, "UNKNOWN(42)", CeremonyState(42).String())
}

func TestTimeout_Expired(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	to := Timeout{StartDate: start, EndDate: start.Add(10 * time.Minute)}
	assert.False(t, to.Expired(start.Add(9*time.Minute)))
	assert.True(t, to.Expired(start.Add(10*time.Minute)))
}

func TestArtifactKeys(t *testing.T) {
	assert.Equal(t, "circuits/mult/contributions/mult_00003.zkey", ZkeyKey("mult", 3))
	assert.Equal(t, "circuits/mult/transcripts/mult_00012_transcript.log", TranscriptKey("mult", 12))
	assert.Equal(t, "ceremonies/c1/circuits/k1/contributions/00001", ContributionPath("c1", "k1", ZkeyIndex(1)))
	assert.Equal(t, "trial-ph2-ceremony", (&Ceremony{Prefix: "trial"}).BucketName())
}
