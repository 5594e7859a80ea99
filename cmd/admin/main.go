package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ruteri/zkey-ceremony-coordinator/api/ceremonyhandler"
	"github.com/ruteri/zkey-ceremony-coordinator/auth"
	"github.com/ruteri/zkey-ceremony-coordinator/beacon"
	"github.com/ruteri/zkey-ceremony-coordinator/cmd/flags"
	"github.com/ruteri/zkey-ceremony-coordinator/interfaces"
	"github.com/sethvargo/go-retry"
	"github.com/urfave/cli/v2"
)

var flagSetupFile = &cli.StringFlag{
	Name:     "file",
	Required: true,
	Usage:    "YAML or JSON ceremony description",
}

var flagUser = &cli.StringFlag{
	Name:     "user",
	Required: true,
	Usage:    "user id",
}

var flagRole = &cli.StringFlag{
	Name:  "role",
	Value: string(interfaces.RoleParticipant),
	Usage: "participant or coordinator",
}

var flagTTL = &cli.DurationFlag{
	Name:  "ttl",
	Value: 7 * 24 * time.Hour,
	Usage: "token validity",
}

var flagBeacon = &cli.StringFlag{
	Name:  "beacon",
	Usage: "hex encoded beacon value announced in advance",
}

var flagBeaconBlock = &cli.Uint64Flag{
	Name:  "beacon-block",
	Usage: "use the hash of this Ethereum block as the beacon",
}

var flagConfirmations = &cli.Uint64Flag{
	Name:  "confirmations",
	Value: 12,
	Usage: "confirmations the beacon block needs",
}

var flagWait = &cli.DurationFlag{
	Name:  "wait",
	Value: 0,
	Usage: "how long to wait for the beacon block to become final",
}

var flagExponent = &cli.UintFlag{
	Name:  "exponent",
	Value: 10,
	Usage: "the beacon is hashed 2^exponent times",
}

var flagOlderThan = &cli.DurationFlag{
	Name:  "older-than",
	Value: 24 * time.Hour,
	Usage: "abort pending uploads started before this",
}

var clientFlags = []cli.Flag{flags.ServerAddrFlag, flags.TokenFlag}
var ceremonyFlags = []cli.Flag{flags.ServerAddrFlag, flags.TokenFlag, flags.CeremonyFlag}

func newClient(cCtx *cli.Context) *ceremonyhandler.Client {
	return ceremonyhandler.NewClient(cCtx.String(flags.ServerAddrFlag.Name), cCtx.String(flags.TokenFlag.Name))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// transitionCommand builds a command that changes the ceremony state.
func transitionCommand(name, usage string, fn func(*ceremonyhandler.Client, context.Context, string) (*interfaces.Ceremony, error)) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: ceremonyFlags,
		Action: func(cCtx *cli.Context) error {
			c, err := fn(newClient(cCtx), cCtx.Context, cCtx.String(flags.CeremonyFlag.Name))
			if err != nil {
				return err
			}
			fmt.Printf("ceremony %s is %s\n", c.ID, c.State)
			return nil
		},
	}
}

func main() {
	app := &cli.App{
		Name:  "ceremony-admin",
		Usage: "Manage phase 2 trusted setup ceremonies",
		Commands: []*cli.Command{
			{
				Name:  "token",
				Usage: "issue a caller token",
				Flags: []cli.Flag{flags.JWTSecretFlag, flags.JWTIssuerFlag, flagUser, flagRole, flagTTL},
				Action: func(cCtx *cli.Context) error {
					role := interfaces.Role(cCtx.String(flagRole.Name))
					if role != interfaces.RoleParticipant && role != interfaces.RoleCoordinator {
						return fmt.Errorf("unknown role %q", role)
					}
					m := auth.NewJWTManager(cCtx.String(flags.JWTSecretFlag.Name), cCtx.String(flags.JWTIssuerFlag.Name), cCtx.Duration(flagTTL.Name))
					token, err := m.Generate(cCtx.String(flagUser.Name), role)
					if err != nil {
						return err
					}
					fmt.Println(token)
					return nil
				},
			},
			{
				Name:  "setup",
				Usage: "create a ceremony owned by the token holder",
				Flags: append([]cli.Flag{flagSetupFile}, clientFlags...),
				Action: func(cCtx *cli.Context) error {
					f, err := os.Open(cCtx.String(flagSetupFile.Name))
					if err != nil {
						return err
					}
					defer f.Close()
					setup, err := interfaces.LoadSetup(f)
					if err != nil {
						return err
					}
					c, err := newClient(cCtx).Setup(cCtx.Context, *setup)
					if err != nil {
						return err
					}
					return printJSON(c)
				},
			},
			{
				Name:  "status",
				Usage: "show the ceremony and its circuit queues",
				Flags: ceremonyFlags,
				Action: func(cCtx *cli.Context) error {
					client := newClient(cCtx)
					ceremonyID := cCtx.String(flags.CeremonyFlag.Name)
					c, err := client.GetCeremony(cCtx.Context, ceremonyID)
					if err != nil {
						return err
					}
					circuits, err := client.ListCircuits(cCtx.Context, ceremonyID)
					if err != nil {
						return err
					}
					fmt.Printf("%s (%s): %s\n", c.Title, c.ID, c.State)
					for _, circuit := range circuits {
						q := circuit.Queue()
						fmt.Printf("  #%d %-20s current=%-16s waiting=%d completed=%d failed=%d\n",
							circuit.SequencePosition, circuit.Prefix, q.CurrentContributor, q.Len(), q.CompletedContributions, q.FailedContributions)
					}
					return nil
				},
			},
			{
				Name:  "participant",
				Usage: "show a participant document",
				Flags: append([]cli.Flag{flagUser}, ceremonyFlags...),
				Action: func(cCtx *cli.Context) error {
					p, err := newClient(cCtx).GetParticipant(cCtx.Context, cCtx.String(flags.CeremonyFlag.Name), cCtx.String(flagUser.Name))
					if err != nil {
						return err
					}
					return printJSON(p)
				},
			},
			transitionCommand("open", "open the ceremony for registration", (*ceremonyhandler.Client).OpenCeremony),
			transitionCommand("pause", "stop accepting registrations", (*ceremonyhandler.Client).PauseCeremony),
			transitionCommand("close", "close the ceremony", (*ceremonyhandler.Client).CloseCeremony),
			{
				Name:  "evict",
				Usage: "run the stalled contributor check now",
				Flags: ceremonyFlags,
				Action: func(cCtx *cli.Context) error {
					n, err := newClient(cCtx).EvictStalled(cCtx.Context, cCtx.String(flags.CeremonyFlag.Name))
					if err != nil {
						return err
					}
					fmt.Printf("evicted %d contributors\n", n)
					return nil
				},
			},
			{
				Name:  "finalize",
				Usage: "apply the beacon to every circuit and finalize the ceremony",
				Flags: append([]cli.Flag{flagBeacon, flagBeaconBlock, flags.RpcAddrFlag, flagConfirmations, flagWait, flagExponent}, ceremonyFlags...),
				Action: runFinalize,
			},
			{
				Name:  "verify",
				Usage: "verify every contribution chain of the ceremony",
				Flags: ceremonyFlags,
				Action: func(cCtx *cli.Context) error {
					report, err := newClient(cCtx).VerifyCeremony(cCtx.Context, cCtx.String(flags.CeremonyFlag.Name))
					if err != nil {
						return err
					}
					if err := printJSON(report); err != nil {
						return err
					}
					if !report.Valid {
						return errors.New("ceremony verification failed")
					}
					return nil
				},
			},
			{
				Name:  "sweep-uploads",
				Usage: "abort multipart uploads abandoned by contributors",
				Flags: append([]cli.Flag{flagOlderThan}, ceremonyFlags...),
				Action: func(cCtx *cli.Context) error {
					n, err := newClient(cCtx).SweepAbandonedUploads(cCtx.Context, cCtx.String(flags.CeremonyFlag.Name), cCtx.Duration(flagOlderThan.Name))
					if err != nil {
						return err
					}
					fmt.Printf("aborted %d uploads\n", n)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func beaconSource(cCtx *cli.Context) (beacon.Source, error) {
	switch {
	case cCtx.IsSet(flagBeacon.Name) && cCtx.IsSet(flagBeaconBlock.Name):
		return nil, errors.New("--beacon and --beacon-block are exclusive")
	case cCtx.IsSet(flagBeacon.Name):
		return beacon.NewStaticSource(cCtx.String(flagBeacon.Name))
	case cCtx.IsSet(flagBeaconBlock.Name):
		return beacon.DialBlockHashSource(cCtx.Context, cCtx.String(flags.RpcAddrFlag.Name), cCtx.Uint64(flagBeaconBlock.Name), cCtx.Uint64(flagConfirmations.Name))
	default:
		return nil, errors.New("one of --beacon or --beacon-block is required")
	}
}

// readBeacon polls src until the beacon is final or wait elapses.
func readBeacon(ctx context.Context, src beacon.Source, wait time.Duration) ([]byte, error) {
	if wait <= 0 {
		return src.Beacon(ctx)
	}
	constant := retry.NewConstant(15 * time.Second)
	var value []byte
	err := retry.Do(ctx, retry.WithMaxDuration(wait, constant), func(ctx context.Context) error {
		var err error
		value, err = src.Beacon(ctx)
		if errors.Is(err, beacon.ErrBlockNotFinal) {
			fmt.Fprintln(os.Stderr, err)
			return retry.RetryableError(err)
		}
		return err
	})
	return value, err
}

func runFinalize(cCtx *cli.Context) error {
	ctx := cCtx.Context
	client := newClient(cCtx)
	ceremonyID := cCtx.String(flags.CeremonyFlag.Name)

	exp := cCtx.Uint(flagExponent.Name)
	if exp > 255 {
		return fmt.Errorf("exponent %d out of range", exp)
	}
	src, err := beaconSource(cCtx)
	if err != nil {
		return err
	}
	value, err := readBeacon(ctx, src, cCtx.Duration(flagWait.Name))
	if err != nil {
		return err
	}
	fmt.Printf("beacon from %s: %s\n", src.Describe(), beacon.HashHex(value))

	if err := client.PrepareFinalization(ctx, ceremonyID); err != nil {
		return err
	}
	circuits, err := client.ListCircuits(ctx, ceremonyID)
	if err != nil {
		return err
	}
	for _, circuit := range circuits {
		final, err := client.FinalizeCircuit(ctx, ceremonyID, circuit.ID, value, uint8(exp))
		if err != nil {
			return fmt.Errorf("finalizing %s: %w", circuit.Prefix, err)
		}
		fmt.Printf("circuit %s finalized at %s\n", circuit.Prefix, final.ZkeyIndex)
	}

	c, err := client.FinalizeCeremony(ctx, ceremonyID)
	if err != nil {
		return err
	}
	fmt.Printf("ceremony %s is %s\n", c.ID, c.State)
	return nil
}
