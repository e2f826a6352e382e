// veilbet runs the daemons and operator tooling of a confidential betting
// group: the one-time trusted setup, the fragment holder and processor
// daemons, the ledger-side relay and a few offline utilities.
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	json "github.com/nikkolasg/hexjson"
	"github.com/urfave/cli/v2"

	"github.com/veilbet/veilbet/common"
	"github.com/veilbet/veilbet/key"
	"github.com/veilbet/veilbet/log"
	"github.com/veilbet/veilbet/processor"
	"github.com/veilbet/veilbet/transition"
)

// default output of the operational commands; the daemons use their own
// logging mechanism.
var output io.Writer = os.Stdout

func banner() {
	fmt.Fprintf(output, "veilbet %v\n", common.Version())
}

var folderFlag = &cli.StringFlag{
	Name:  "folder",
	Value: defaultConfigFolder(),
	Usage: "Folder to keep all veilbet cryptographic information, with absolute path.",
}

var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "If set, verbosity is at the debug level",
}

var jsonFlag = &cli.BoolFlag{
	Name:  "json",
	Usage: "Set the logging output format to JSON",
}

var listenFlag = &cli.StringFlag{
	Name:  "listen",
	Usage: "Set the listening (binding) address of the daemon's API.",
}

var metricsFlag = &cli.StringFlag{
	Name:  "metrics",
	Usage: "Launch a metrics server at the specified (host:)port.",
}

var nodesFlag = &cli.IntFlag{
	Name:  "nodes",
	Usage: "number of fragment holders to deal to",
}

var thresholdFlag = &cli.IntFlag{
	Name:  "threshold",
	Usage: "number of fragments needed to re-assemble a key; defaults to 2n/3+1",
}

var outFlag = &cli.StringFlag{
	Name:  "out",
	Usage: "folder the setup writes the per-holder and processor material into",
}

var addressesFlag = &cli.StringFlag{
	Name:  "addresses",
	Usage: "comma-separated list of holder addresses to write into group.toml",
}

var faultModeFlag = &cli.StringFlag{
	Name:  "fault-mode",
	Usage: "holder fault injection for drills: healthy, unavailable or corrupt",
}

var revealEveryFlag = &cli.IntFlag{
	Name:  "reveal-every",
	Usage: fmt.Sprintf("attach disclosure metrics every k-th vote (default %d)", processor.DefaultRevealEvery),
}

var groupFlag = &cli.StringFlag{
	Name:  "group",
	Usage: "path to the shared group.toml file",
}

var processorFlag = &cli.StringFlag{
	Name:  "processor",
	Usage: "address of the processor daemon to contact",
}

var ledgerFolderFlag = &cli.StringFlag{
	Name:  "ledger",
	Usage: "folder holding the ledger's market database",
}

var marketFlag = &cli.StringFlag{
	Name:  "market",
	Usage: "market identifier",
}

var winnerFlag = &cli.StringFlag{
	Name:  "winner",
	Usage: "winning option, A or B",
}

var stateFlag = &cli.StringFlag{
	Name:  "state",
	Usage: "path to a file holding an encrypted state blob",
}

var previousFlag = &cli.StringFlag{
	Name:  "previous",
	Usage: "path to the previous state blob; omit for the empty marker",
}

var newFlag = &cli.StringFlag{
	Name:  "new",
	Usage: "path to the new state blob",
}

var signatureFlag = &cli.StringFlag{
	Name:  "signature",
	Usage: "hex-encoded transition signature",
}

var identityFlag = &cli.StringFlag{
	Name:  "identity",
	Usage: "registered processor identity (hex address)",
}

var appCommands = []*cli.Command{
	{
		Name:  "generate-keypair",
		Usage: "Generate the processor's receiving keypair and signing key.\n",
		Flags: toArray(folderFlag),
		Action: func(c *cli.Context) error {
			banner()
			return keygenCmd(c)
		},
	},
	{
		Name: "setup",
		Usage: "Run the one-time trusted setup: deal fragments to n holders and " +
			"write each holder's folder plus the shared group.toml.",
		Flags: toArray(nodesFlag, thresholdFlag, outFlag, addressesFlag),
		Action: func(c *cli.Context) error {
			banner()
			return setupCmd(c)
		},
	},
	{
		Name:  "holder",
		Usage: "Start a fragment holder daemon.",
		Flags: toArray(folderFlag, listenFlag, faultModeFlag, metricsFlag, verboseFlag, jsonFlag),
		Action: func(c *cli.Context) error {
			banner()
			return holderCmd(c)
		},
	},
	{
		Name:  "processor",
		Usage: "Start the secure state processor daemon.",
		Flags: toArray(folderFlag, listenFlag, revealEveryFlag, metricsFlag, verboseFlag, jsonFlag),
		Action: func(c *cli.Context) error {
			banner()
			return processorCmd(c)
		},
	},
	{
		Name: "relay",
		Usage: "Start the relay: consume submitted votes from the ledger, collect " +
			"fragment quorums and drive processor transitions.",
		Flags: toArray(groupFlag, processorFlag, ledgerFolderFlag, metricsFlag, verboseFlag, jsonFlag),
		Action: func(c *cli.Context) error {
			banner()
			return relayCmd(c)
		},
	},
	{
		Name:   "verify",
		Usage:  "Verify a transition signature offline.\n",
		Flags:  toArray(previousFlag, newFlag, signatureFlag, identityFlag),
		Action: verifyCmd,
	},
	{
		Name:   "payouts",
		Usage:  "Close a market and compute the payout report against a processor.\n",
		Flags:  toArray(processorFlag, marketFlag, winnerFlag, stateFlag),
		Action: payoutsCmd,
	},
}

// CLI runs the veilbet app
func CLI() *cli.App {
	app := cli.NewApp()
	app.Name = "veilbet"
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintf(output, "veilbet %v\n", common.Version())
	}
	app.Version = common.Version()
	app.Usage = "confidential betting service"
	app.Commands = appCommands
	app.Flags = toArray(verboseFlag, folderFlag)
	return app
}

func defaultConfigFolder() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".veilbet"
	}
	return path.Join(home, ".veilbet")
}

func keygenCmd(c *cli.Context) error {
	store := key.NewFileStore(c.String(folderFlag.Name))
	if _, err := store.LoadPair(); err == nil {
		fmt.Fprintf(output, "Keypair already present in %q.\nRemove it before generating a new one\n",
			c.String(folderFlag.Name))
		return nil
	}

	pair := key.NewPair()
	signer, err := key.NewSigningKey()
	if err != nil {
		return fmt.Errorf("generating signing key: %w", err)
	}
	if err := store.SavePair(pair); err != nil {
		return fmt.Errorf("saving receiving keypair: %w", err)
	}
	if err := store.SaveSigningKey(signer); err != nil {
		return err
	}
	fmt.Fprintf(output, "Generated keys under %q\n", c.String(folderFlag.Name))
	fmt.Fprintf(output, "Processor identity: %s\n", signer.Address())
	return nil
}

func setupCmd(c *cli.Context) error {
	n := c.Int(nodesFlag.Name)
	if n < 2 {
		return fmt.Errorf("setup needs at least 2 holders, got %d", n)
	}
	thr := key.DefaultThreshold(n)
	if c.IsSet(thresholdFlag.Name) {
		if localThr := c.Int(thresholdFlag.Name); localThr >= thr {
			thr = localThr
		} else {
			return fmt.Errorf("threshold specified too low %d/%d", c.Int(thresholdFlag.Name), thr)
		}
	}
	outDir := c.String(outFlag.Name)
	if outDir == "" {
		return errors.New("setup requires the --out folder")
	}

	addresses := make([]string, n)
	if c.IsSet(addressesFlag.Name) {
		given := strings.Split(c.String(addressesFlag.Name), ",")
		if len(given) != n {
			return fmt.Errorf("%d addresses given for %d holders", len(given), n)
		}
		for i, a := range given {
			addresses[i] = strings.TrimSpace(a)
		}
	}

	frags, commits, err := key.Deal(n, thr)
	if err != nil {
		return err
	}
	receiver := key.NewPair()
	signer, err := key.NewSigningKey()
	if err != nil {
		return err
	}
	group := key.NewGroup(thr, commits, addresses, receiver.Public, signer.Address())

	for _, frag := range frags {
		store := key.NewFileStore(path.Join(outDir, fmt.Sprintf("holder-%d", frag.Index)))
		if err := store.SaveFragment(frag); err != nil {
			return fmt.Errorf("saving fragment %d: %w", frag.Index, err)
		}
		if err := store.SaveGroup(group); err != nil {
			return err
		}
	}
	procStore := key.NewFileStore(path.Join(outDir, "processor"))
	if err := procStore.SavePair(receiver); err != nil {
		return err
	}
	if err := procStore.SaveSigningKey(signer); err != nil {
		return err
	}
	if err := procStore.SaveGroup(group); err != nil {
		return err
	}
	if err := key.Save(path.Join(outDir, "group.toml"), group, false); err != nil {
		return err
	}

	fmt.Fprintf(output, "Dealt %d fragments with threshold %d under %q\n", n, thr, outDir)
	fmt.Fprintf(output, "Processor identity: %s\n", signer.Address())
	fmt.Fprintf(output, "Hash of the group configuration: %x\n", group.Hash())
	return nil
}

func verifyCmd(c *cli.Context) error {
	prev := transition.EmptyMarker
	if c.IsSet(previousFlag.Name) {
		var err error
		prev, err = os.ReadFile(c.String(previousFlag.Name))
		if err != nil {
			return err
		}
	}
	newBlob, err := os.ReadFile(c.String(newFlag.Name))
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(c.String(signatureFlag.Name), "0x"))
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}

	if err := transition.VerifyHex(prev, newBlob, sig, c.String(identityFlag.Name)); err != nil {
		return err
	}
	fmt.Fprintf(output, "Transition verified for identity %s\n", c.String(identityFlag.Name))
	return nil
}

func payoutsCmd(c *cli.Context) error {
	marketID := c.String(marketFlag.Name)
	if marketID == "" {
		return errors.New("payouts requires the --market flag")
	}
	winner := processor.Option(c.String(winnerFlag.Name))
	if !winner.Valid() {
		return fmt.Errorf("invalid winning option %q", c.String(winnerFlag.Name))
	}
	finalBlob, err := os.ReadFile(c.String(stateFlag.Name))
	if err != nil {
		return err
	}

	client := processor.NewClient(c.String(processorFlag.Name))
	if err := client.Finish(c.Context, marketID); err != nil && !errors.Is(err, processor.ErrInvalidPhase) {
		return err
	}
	report, err := client.Payouts(c.Context, marketID, finalBlob, winner)
	if err != nil {
		return err
	}

	buff, err := json.Marshal(report)
	if err != nil {
		return err
	}
	fmt.Fprintf(output, "%s\n", buff)
	return nil
}

func toArray(flags ...cli.Flag) []cli.Flag {
	return flags
}

func contextToLogger(c *cli.Context) log.Logger {
	level := log.InfoLevel
	if c.Bool(verboseFlag.Name) {
		level = log.DebugLevel
	}
	return log.New(nil, level, c.Bool(jsonFlag.Name))
}
