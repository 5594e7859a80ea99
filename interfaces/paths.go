package interfaces

import "fmt"

// Document paths in the coordination database.

func CeremonyPath(ceremonyID string) string {
	return "ceremonies/" + ceremonyID
}

func CircuitsPath(ceremonyID string) string {
	return CeremonyPath(ceremonyID) + "/circuits"
}

func CircuitPath(ceremonyID, circuitID string) string {
	return CircuitsPath(ceremonyID) + "/" + circuitID
}

func ParticipantsPath(ceremonyID string) string {
	return CeremonyPath(ceremonyID) + "/participants"
}

func ParticipantPath(ceremonyID, userID string) string {
	return ParticipantsPath(ceremonyID) + "/" + userID
}

func ContributionsPath(ceremonyID, circuitID string) string {
	return CircuitPath(ceremonyID, circuitID) + "/contributions"
}

func ContributionPath(ceremonyID, circuitID, zkeyIndex string) string {
	return ContributionsPath(ceremonyID, circuitID) + "/" + zkeyIndex
}

// RejectedPath holds invalid contributions, which never enter the chain.
func RejectedPath(ceremonyID, circuitID, id string) string {
	return CircuitPath(ceremonyID, circuitID) + "/rejected/" + id
}

func RejectedCollectionPath(ceremonyID, circuitID string) string {
	return CircuitPath(ceremonyID, circuitID) + "/rejected"
}

func TimeoutsPath(ceremonyID, userID string) string {
	return ParticipantPath(ceremonyID, userID) + "/timeouts"
}

func TimeoutPath(ceremonyID, userID, timeoutID string) string {
	return TimeoutsPath(ceremonyID, userID) + "/" + timeoutID
}

// Artifact object keys. All objects of a ceremony live in Ceremony.BucketName().

// ZkeyIndex renders a contribution index as a 5-digit zero-padded string.
func ZkeyIndex(index int) string {
	return fmt.Sprintf("%05d", index)
}

// ZkeyKey is the object key of the artifact at index.
func ZkeyKey(circuitPrefix string, index int) string {
	return fmt.Sprintf("circuits/%s/contributions/%s_%s.zkey", circuitPrefix, circuitPrefix, ZkeyIndex(index))
}

// TranscriptKey is the object key of the transcript of the contribution at index.
func TranscriptKey(circuitPrefix string, index int) string {
	return fmt.Sprintf("circuits/%s/transcripts/%s_%s_transcript.log", circuitPrefix, circuitPrefix, ZkeyIndex(index))
}

func FinalZkeyKey(circuitPrefix string) string {
	return fmt.Sprintf("circuits/%s/contributions/%s_final.zkey", circuitPrefix, circuitPrefix)
}

func FinalTranscriptKey(circuitPrefix string) string {
	return fmt.Sprintf("circuits/%s/transcripts/%s_final_transcript.log", circuitPrefix, circuitPrefix)
}

func VerificationKeyKey(circuitPrefix string) string {
	return fmt.Sprintf("circuits/%s/%s_vkey.json", circuitPrefix, circuitPrefix)
}

func VerifierContractKey(circuitPrefix string) string {
	return fmt.Sprintf("circuits/%s/%s_verifier.sol", circuitPrefix, circuitPrefix)
}
