package interfaces

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a state change is not allowed by the
// transition tables below.
var ErrInvalidTransition = errors.New("invalid state transition")

// CeremonyState is the lifecycle state of a ceremony.
type CeremonyState int

const (
	CeremonyScheduled CeremonyState = iota + 1
	CeremonyOpened
	CeremonyPaused
	CeremonyClosed
	CeremonyFinalized
)

var ceremonyStateNames = map[CeremonyState]string{
	CeremonyScheduled: "SCHEDULED",
	CeremonyOpened:    "OPENED",
	CeremonyPaused:    "PAUSED",
	CeremonyClosed:    "CLOSED",
	CeremonyFinalized: "FINALIZED",
}

func (s CeremonyState) String() string { return enumString(ceremonyStateNames, s) }

func (s CeremonyState) MarshalText() ([]byte, error) { return enumMarshal(ceremonyStateNames, s) }

func (s *CeremonyState) UnmarshalText(b []byte) error { return enumUnmarshal(ceremonyStateNames, s, b) }

// CanTransition reports whether a ceremony may move from s to next.
func (s CeremonyState) CanTransition(next CeremonyState) bool {
	switch s {
	case CeremonyScheduled:
		return next == CeremonyOpened
	case CeremonyOpened:
		return next == CeremonyPaused || next == CeremonyClosed
	case CeremonyPaused:
		return next == CeremonyOpened || next == CeremonyClosed
	case CeremonyClosed:
		return next == CeremonyFinalized
	case CeremonyFinalized:
		return false
	default:
		return false
	}
}

// TimeoutMechanism selects how the contribution window of a circuit is computed.
type TimeoutMechanism int

const (
	TimeoutFixed TimeoutMechanism = iota + 1
	TimeoutDynamic
)

var timeoutMechanismNames = map[TimeoutMechanism]string{
	TimeoutFixed:   "FIXED",
	TimeoutDynamic: "DYNAMIC",
}

func (m TimeoutMechanism) String() string { return enumString(timeoutMechanismNames, m) }

func (m TimeoutMechanism) MarshalText() ([]byte, error) {
	return enumMarshal(timeoutMechanismNames, m)
}

func (m *TimeoutMechanism) UnmarshalText(b []byte) error {
	return enumUnmarshal(timeoutMechanismNames, m, b)
}

// TimeoutType tells which part of the contribution stalled.
type TimeoutType int

const (
	// TimeoutBlockingContribution is recorded when the participant's client stalled.
	TimeoutBlockingContribution TimeoutType = iota + 1
	// TimeoutBlockingCloudFunction is recorded when server-side verification stalled.
	TimeoutBlockingCloudFunction
)

var timeoutTypeNames = map[TimeoutType]string{
	TimeoutBlockingContribution:  "BLOCKING_CONTRIBUTION",
	TimeoutBlockingCloudFunction: "BLOCKING_CLOUD_FUNCTION",
}

func (t TimeoutType) String() string { return enumString(timeoutTypeNames, t) }

func (t TimeoutType) MarshalText() ([]byte, error) { return enumMarshal(timeoutTypeNames, t) }

func (t *TimeoutType) UnmarshalText(b []byte) error { return enumUnmarshal(timeoutTypeNames, t, b) }

// ParticipantStatus is the overall status of a participant within a ceremony.
type ParticipantStatus int

const (
	ParticipantCreated ParticipantStatus = iota + 1
	ParticipantWaiting
	ParticipantContributing
	ParticipantContributed
	ParticipantDone
	ParticipantTimedOut
	ParticipantExhumed
	ParticipantFinalizing
	ParticipantFinalized
)

var participantStatusNames = map[ParticipantStatus]string{
	ParticipantCreated:      "CREATED",
	ParticipantWaiting:      "WAITING",
	ParticipantContributing: "CONTRIBUTING",
	ParticipantContributed:  "CONTRIBUTED",
	ParticipantDone:         "DONE",
	ParticipantTimedOut:     "TIMEDOUT",
	ParticipantExhumed:      "EXHUMED",
	ParticipantFinalizing:   "FINALIZING",
	ParticipantFinalized:    "FINALIZED",
}

func (s ParticipantStatus) String() string { return enumString(participantStatusNames, s) }

func (s ParticipantStatus) MarshalText() ([]byte, error) {
	return enumMarshal(participantStatusNames, s)
}

func (s *ParticipantStatus) UnmarshalText(b []byte) error {
	return enumUnmarshal(participantStatusNames, s, b)
}

// CanTransition reports whether a participant may move from s to next.
func (s ParticipantStatus) CanTransition(next ParticipantStatus) bool {
	switch s {
	case ParticipantCreated:
		return next == ParticipantWaiting || next == ParticipantContributing
	case ParticipantWaiting:
		return next == ParticipantContributing
	case ParticipantContributing:
		return next == ParticipantContributed || next == ParticipantDone || next == ParticipantTimedOut
	case ParticipantContributed:
		return next == ParticipantWaiting || next == ParticipantContributing
	case ParticipantDone:
		return next == ParticipantFinalizing
	case ParticipantTimedOut:
		return next == ParticipantExhumed || next == ParticipantWaiting || next == ParticipantContributing
	case ParticipantExhumed:
		return next == ParticipantWaiting || next == ParticipantContributing
	case ParticipantFinalizing:
		return next == ParticipantFinalized
	case ParticipantFinalized:
		return false
	default:
		return false
	}
}

// ContributionStep is the position of a CONTRIBUTING participant in the
// contribution state machine. StepNone is used whenever the participant is
// not contributing.
type ContributionStep int

const (
	StepNone ContributionStep = iota
	StepDownloading
	StepComputing
	StepUploading
	StepVerifying
	StepCompleted
)

var contributionStepNames = map[ContributionStep]string{
	StepNone:        "",
	StepDownloading: "DOWNLOADING",
	StepComputing:   "COMPUTING",
	StepUploading:   "UPLOADING",
	StepVerifying:   "VERIFYING",
	StepCompleted:   "COMPLETED",
}

func (s ContributionStep) String() string { return enumString(contributionStepNames, s) }

func (s ContributionStep) MarshalText() ([]byte, error) {
	return enumMarshal(contributionStepNames, s)
}

func (s *ContributionStep) UnmarshalText(b []byte) error {
	return enumUnmarshal(contributionStepNames, s, b)
}

// Next returns the step that follows s. Only the client-driven steps
// (DOWNLOADING through UPLOADING) and VERIFYING have a successor.
func (s ContributionStep) Next() (ContributionStep, error) {
	switch s {
	case StepDownloading:
		return StepComputing, nil
	case StepComputing:
		return StepUploading, nil
	case StepUploading:
		return StepVerifying, nil
	case StepVerifying:
		return StepCompleted, nil
	case StepNone, StepCompleted:
		return s, fmt.Errorf("%w: step %q has no successor", ErrInvalidTransition, s)
	default:
		return s, fmt.Errorf("%w: unknown step %d", ErrInvalidTransition, int(s))
	}
}

// After reports whether s is strictly later in the state machine than other.
func (s ContributionStep) After(other ContributionStep) bool {
	return s > other
}

// Transition returns a wrapped ErrInvalidTransition describing a refused move.
func Transition[T fmt.Stringer](from, to T) error {
	return fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, from, to)
}

func enumString[T ~int](names map[T]string, v T) string {
	if name, ok := names[v]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(v))
}

func enumMarshal[T ~int](names map[T]string, v T) ([]byte, error) {
	name, ok := names[v]
	if !ok {
		return nil, fmt.Errorf("unknown enum value %d", int(v))
	}
	return []byte(name), nil
}

func enumUnmarshal[T ~int](names map[T]string, dst *T, b []byte) error {
	for v, name := range names {
		if name == string(b) {
			*dst = v
			return nil
		}
	}
	return fmt.Errorf("unknown enum name %q", string(b))
}
