package interfaces

import (
	"fmt"
	"time"

	"github.com/ruteri/zkey-ceremony-coordinator/queue"
)

// Ceremony is one end-to-end trusted-setup event spanning one or more circuits.
type Ceremony struct {
	ID               string           `json:"id"`
	Prefix           string           `json:"prefix"`
	Title            string           `json:"title"`
	Description      string           `json:"description,omitempty"`
	State            CeremonyState    `json:"state"`
	TimeoutMechanism TimeoutMechanism `json:"timeoutMechanismType"`
	// Penalty is the number of minutes a timed-out participant waits before resuming.
	Penalty       int       `json:"penalty"`
	StartDate     time.Time `json:"startDate"`
	EndDate       time.Time `json:"endDate"`
	CoordinatorID string    `json:"coordinatorId"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

// PenaltyDuration returns the penalty as a time.Duration.
func (c *Ceremony) PenaltyDuration() time.Duration {
	return time.Duration(c.Penalty) * time.Minute
}

// BucketName returns the artifact bucket holding every object of the ceremony.
func (c *Ceremony) BucketName() string {
	return fmt.Sprintf("%s-ph2-ceremony", c.Prefix)
}

// AvgTimings holds running averages, in milliseconds, of the valid
// contributions to a circuit.
type AvgTimings struct {
	ContributionComputation int64 `json:"contributionComputation"`
	FullContribution        int64 `json:"fullContribution"`
	VerifyCloudFunction     int64 `json:"verifyCloudFunction"`
}

// Circuit is one constraint system with its own contribution chain.
type Circuit struct {
	ID               string `json:"id"`
	CeremonyID       string `json:"ceremonyId"`
	Prefix           string `json:"prefix"`
	Name             string `json:"name"`
	SequencePosition int    `json:"sequencePosition"`
	// FixedTimeWindow is the contribution window in minutes for FIXED ceremonies.
	FixedTimeWindow int `json:"fixedTimeWindow"`
	// DynamicThreshold is the percentage added on top of the average full
	// contribution time for DYNAMIC ceremonies.
	DynamicThreshold int        `json:"dynamicThreshold"`
	AvgTimings       AvgTimings `json:"avgTimings"`
	// CircuitHash is the hex digest of the constraint system every artifact
	// of this circuit is bound to.
	CircuitHash     string              `json:"circuitHash"`
	ZkeySizeInBytes int64               `json:"zKeySizeInBytes"`
	WaitingQueue    *queue.WaitingQueue `json:"waitingQueue"`
	Finalized       bool                `json:"finalized"`
	LastUpdated     time.Time           `json:"lastUpdated"`
}

// Queue returns the circuit's waiting queue, allocating it when missing.
func (c *Circuit) Queue() *queue.WaitingQueue {
	if c.WaitingQueue == nil {
		c.WaitingQueue = queue.New(0)
	}
	return c.WaitingQueue
}

// CurrentZkeyIndex is the index of the latest valid artifact of the circuit.
func (c *Circuit) CurrentZkeyIndex() int {
	return c.Queue().CompletedContributions
}

// ChunkPart identifies one acknowledged part of a multipart upload.
type ChunkPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"eTag"`
}

// TempContributionData exists only while a participant's contribution for
// the current circuit is in flight.
type TempContributionData struct {
	ContributionComputationTime int64       `json:"contributionComputationTime,omitempty"`
	Hash                        string      `json:"hash,omitempty"`
	UploadID                    string      `json:"uploadId,omitempty"`
	Chunks                      []ChunkPart `json:"chunks,omitempty"`
}

// LastPartNumber returns the highest acknowledged part number, 0 when none.
func (t *TempContributionData) LastPartNumber() int {
	if t == nil {
		return 0
	}
	last := 0
	for _, c := range t.Chunks {
		if c.PartNumber > last {
			last = c.PartNumber
		}
	}
	return last
}

// ContributionSummary is the participant-side record of one finished circuit.
type ContributionSummary struct {
	CircuitID                   string `json:"circuitId"`
	ZkeyIndex                   string `json:"zkeyIndex,omitempty"`
	Hash                        string `json:"hash"`
	ContributionComputationTime int64  `json:"computationTime"`
	Valid                       bool   `json:"valid"`
}

// Participant is one user's state within a ceremony.
type Participant struct {
	UserID               string                `json:"userId"`
	Status               ParticipantStatus     `json:"status"`
	ContributionProgress int                   `json:"contributionProgress"`
	ContributionStep     ContributionStep      `json:"contributionStep,omitempty"`
	Contributions        []ContributionSummary `json:"contributions"`
	TempContributionData *TempContributionData `json:"tempContributionData,omitempty"`

	ContributionStartedAt time.Time `json:"contributionStartedAt"`
	VerificationStartedAt time.Time `json:"verificationStartedAt"`
	LastUpdated           time.Time `json:"lastUpdated"`
}

// TransitionTo moves the participant to next if the transition table allows it.
func (p *Participant) TransitionTo(next ParticipantStatus) error {
	if !p.Status.CanTransition(next) {
		return Transition(p.Status, next)
	}
	p.Status = next
	return nil
}

// Beacon is the public randomness used by the final contribution of a circuit.
type Beacon struct {
	Value string `json:"value"`
	Hash  string `json:"hash"`
}

// ContributionFiles names the objects produced by a contribution.
type ContributionFiles struct {
	Zkey       string `json:"zkey"`
	Transcript string `json:"transcript"`
}

// Contribution is the record of one artifact in a circuit's chain.
type Contribution struct {
	ParticipantID               string            `json:"participantId"`
	ZkeyIndex                   string            `json:"zkeyIndex"`
	ContributionComputationTime int64             `json:"contributionComputationTime"`
	VerificationTime            int64             `json:"verificationComputationTime"`
	FullContributionTime        int64             `json:"fullContributionTime"`
	Hash                        string            `json:"hash"`
	Valid                       bool              `json:"valid"`
	Files                       ContributionFiles `json:"files"`
	Beacon                      *Beacon           `json:"beacon,omitempty"`
	LastUpdated                 time.Time         `json:"lastUpdated"`
}

// Timeout is one eviction event of a participant.
type Timeout struct {
	ID        string      `json:"id"`
	Type      TimeoutType `json:"type"`
	StartDate time.Time   `json:"startDate"`
	EndDate   time.Time   `json:"endDate"`
}

// Expired reports whether the penalty window has passed at now.
func (t *Timeout) Expired(now time.Time) bool {
	return !now.Before(t.EndDate)
}

// VerificationResult is returned by the server-side VERIFYING step.
type VerificationResult struct {
	Valid            bool  `json:"valid"`
	VerificationTime int64 `json:"verificationTime"`
}

// Role distinguishes ceremony coordinators from regular contributors.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleParticipant Role = "participant"
)

// Caller is the authenticated identity attached to every callable operation.
type Caller struct {
	UserID string
	Role   Role
}
