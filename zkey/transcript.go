package zkey

import (
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
)

// ErrMalformedTranscript is returned when a transcript carries no
// contribution hash block.
var ErrMalformedTranscript = interfaces.ErrMalformedTranscript

const hashBlockHeader = "Contribution Hash: "

var hashBlockRe = regexp.MustCompile(`Contribution Hash:[ \t]*\r?\n((?:[ \t]*[0-9a-f]{8}(?: [0-9a-f]{8}){3}[ \t]*\r?\n?){4})`)

// FormatHash renders a contribution hash as four tab-indented lines of
// four 8-digit hex groups, preceded by the block header.
func FormatHash(h [HashSize]byte) string {
	s := hex.EncodeToString(h[:])
	var b strings.Builder
	b.WriteString(hashBlockHeader)
	b.WriteString("\n")
	for line := 0; line < 4; line++ {
		b.WriteString("\t\t")
		for group := 0; group < 4; group++ {
			off := (line*4 + group) * 8
			if group > 0 {
				b.WriteString(" ")
			}
			b.WriteString(s[off : off+8])
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ParseContributionHash extracts the hex contribution hash from a transcript.
func ParseContributionHash(transcript string) (string, error) {
	m := hashBlockRe.FindStringSubmatch(transcript)
	if m == nil {
		return "", ErrMalformedTranscript
	}
	return strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			return r
		}
		return -1
	}, m[1]), nil
}

// HashHex renders a contribution hash as lowercase hex.
func HashHex(h [HashSize]byte) string {
	return hex.EncodeToString(h[:])
}

// TranscriptInfo describes the contribution a transcript is written for.
type TranscriptInfo struct {
	Circuit     string
	ZkeyIndex   string
	Participant string
	Duration    time.Duration
}

// WriteTranscript writes the human-readable log of the last contribution of a.
func WriteTranscript(w io.Writer, a *Artifact, info TranscriptInfo) error {
	if len(a.Contributions) == 0 {
		return ErrNoContributions
	}
	c := a.Contributions[len(a.Contributions)-1]

	var b strings.Builder
	fmt.Fprintf(&b, "[zkey] circuit %s, constraint system %x\n", info.Circuit, a.CircuitHash)
	fmt.Fprintf(&b, "[zkey] powers: %d\n", len(a.G1))
	fmt.Fprintf(&b, "[zkey] contribution #%d (zkey %s) by %s\n", len(a.Contributions), info.ZkeyIndex, info.Participant)
	if c.Kind == KindBeacon {
		fmt.Fprintf(&b, "[zkey] beacon: %x, 2^%d iterations\n", c.Beacon, c.BeaconExp)
	}
	if info.Duration > 0 {
		fmt.Fprintf(&b, "[zkey] computed in %s\n", info.Duration.Round(time.Millisecond))
	}
	b.WriteString("[zkey] ")
	b.WriteString(FormatHash(c.Hash))

	_, err := io.WriteString(w, b.String())
	return err
}
