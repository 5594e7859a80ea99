// Package interfaces defines the core types and contracts of the ceremony
// coordinator, separating definitions from their implementations.
//
// # Data model
//
// Ceremony, Circuit, Participant, Contribution and Timeout are the documents
// kept in the coordination database under the paths built by the *Path
// helpers. Every lifecycle enum (CeremonyState, ParticipantStatus,
// ContributionStep) carries an explicit transition table; a refused move is
// reported as ErrInvalidTransition wrapped with both states.
//
// # Storage contracts
//
// ArtifactStore is the object store holding zkey artifacts, addressed by
// bucket and key, and exposing a multipart upload contract for artifacts
// too large for a single request. Publisher mirrors finalized artifacts.
//
// # Errors
//
// Sentinel errors are grouped by taxonomy: admission, ordering, transfer,
// contribution and finalization. Callers wrap them with fmt.Errorf and test
// with errors.Is.
package interfaces
