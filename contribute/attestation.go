package contribute

import (
	"fmt"
	"strings"

	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
)

// Attestation renders the public statement of a contributor listing the
// contribution hash of every circuit it contributed to, in sequence order.
// Rejected contributions are listed as such.
func Attestation(ceremony *interfaces.Ceremony, circuits []*interfaces.Circuit, p *interfaces.Participant) string {
	byID := make(map[string]interfaces.ContributionSummary, len(p.Contributions))
	for _, c := range p.Contributions {
		byID[c.CircuitID] = c
	}

	var b strings.Builder
	fmt.Fprintf(&b, "I contributed to the %s Phase 2 Trusted Setup ceremony.\n", ceremony.Title)
	b.WriteString("The following are my contribution signatures:")
	for _, circuit := range circuits {
		c, ok := byID[circuit.ID]
		if !ok {
			continue
		}
		if !c.Valid {
			fmt.Fprintf(&b, "\n- Circuit # %d (%s): rejected", circuit.SequencePosition, circuit.Name)
			continue
		}
		fmt.Fprintf(&b, "\n- Circuit # %d (%s) contribution # %s: %s", circuit.SequencePosition, circuit.Name, c.ZkeyIndex, c.Hash)
	}
	b.WriteString("\n")
	return b.String()
}
