package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/elnosh/paynode/paynet"
	"github.com/elnosh/paynode/wallet"
	"github.com/holiman/uint256"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var payw *wallet.Wallet

func walletConfig() wallet.Config {
	path := setWalletPath()
	config := wallet.Config{
		WalletPath:     path,
		CurrentNodeURL: "http://127.0.0.1:3338",
		Unit:           paynet.MilliStrk,
	}

	envPath := filepath.Join(path, ".env")
	if _, err := os.Stat(envPath); err != nil {
		wd, err := os.Getwd()
		if err == nil {
			envPath = filepath.Join(wd, ".env")
		} else {
			envPath = ""
		}
	}
	if len(envPath) > 0 {
		godotenv.Load(envPath)
	}

	if nodeURL := os.Getenv("NODE_URL"); nodeURL != "" {
		config.CurrentNodeURL = nodeURL
	}
	if unitStr := os.Getenv("WALLET_UNIT"); unitStr != "" {
		unit, err := paynet.UnitFromString(unitStr)
		if err != nil {
			log.Fatalf("invalid WALLET_UNIT: %v", err)
		}
		config.Unit = unit
	}

	return config
}

func setWalletPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}

	path := filepath.Join(homedir, ".paynode", "wallet")
	if err = os.MkdirAll(path, 0700); err != nil {
		log.Fatal(err)
	}
	return path
}

func setupWallet(ctx *cli.Context) error {
	var err error
	payw, err = wallet.LoadWallet(walletConfig())
	if err != nil {
		return transportErr(err)
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "payw",
		Usage: "cli wallet for a paynode mint",
		Commands: []*cli.Command{
			balanceCmd,
			mintCmd,
			sendCmd,
			receiveCmd,
			meltCmd,
			decodeWadCmd,
			nodeCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var balanceCmd = &cli.Command{
	Name:   "balance",
	Before: setupWallet,
	Action: getBalance,
}

func getBalance(ctx *cli.Context) error {
	fmt.Printf("%v %s\n", payw.GetBalance(), walletConfig().Unit)
	return nil
}

var mintCmd = &cli.Command{
	Name:  "mint",
	Usage: "request a mint quote or redeem a paid one",
	Subcommands: []*cli.Command{
		{
			Name:      "new",
			Usage:     "request a quote for the given amount",
			ArgsUsage: "<amount>",
			Before:    setupWallet,
			Action:    mintNew,
		},
		{
			Name:      "sync",
			Usage:     "redeem a paid quote into proofs",
			ArgsUsage: "<quote_id>",
			Before:    setupWallet,
			Action:    mintSync,
		},
	},
}

func mintNew(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		return cli.Exit("specify an amount to mint", 1)
	}
	var amount uint64
	if _, err := fmt.Sscanf(args.First(), "%d", &amount); err != nil || amount == 0 {
		return cli.Exit("invalid amount", 1)
	}

	quote, err := payw.RequestMint(amount)
	if err != nil {
		return walletErr(err)
	}

	fmt.Printf("quote: %s\n", quote.Quote)
	fmt.Printf("pay this on-chain request and run 'payw mint sync %s':\n%s\n", quote.Quote, quote.Request)
	return nil
}

func mintSync(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		return cli.Exit("specify the quote id", 1)
	}

	amount, err := payw.MintTokens(args.First())
	if err != nil {
		return walletErr(err)
	}

	fmt.Printf("minted %v %s\n", amount, walletConfig().Unit)
	return nil
}

var sendCmd = &cli.Command{
	Name:      "send",
	Usage:     "create a wad worth the given amount",
	ArgsUsage: "<amount>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "write the wad to a file"},
	},
	Before: setupWallet,
	Action: send,
}

func send(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		return cli.Exit("specify an amount to send", 1)
	}
	var amount uint64
	if _, err := fmt.Sscanf(args.First(), "%d", &amount); err != nil || amount == 0 {
		return cli.Exit("invalid amount", 1)
	}

	wad, err := payw.Send(amount, "")
	if err != nil {
		return walletErr(err)
	}

	if output := ctx.String("output"); output != "" {
		if err := os.WriteFile(output, []byte(wad), 0600); err != nil {
			return cli.Exit(fmt.Sprintf("error writing wad: %v", err), 1)
		}
		fmt.Printf("wad written to %s\n", output)
	} else {
		fmt.Println(wad)
	}
	return nil
}

var receiveCmd = &cli.Command{
	Name:  "receive",
	Usage: "redeem a wad",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "read the wad from a file"},
	},
	Before: setupWallet,
	Action: receive,
}

func receive(ctx *cli.Context) error {
	var wadStr string
	if file := ctx.String("file"); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return cli.Exit(fmt.Sprintf("error reading wad: %v", err), 1)
		}
		wadStr = strings.TrimSpace(string(data))
	} else if ctx.Args().Len() > 0 {
		wadStr = ctx.Args().First()
	} else {
		return cli.Exit("specify a wad or a file with -f", 1)
	}

	amount, err := payw.Receive(wadStr)
	if err != nil {
		return walletErr(err)
	}

	fmt.Printf("received %v %s\n", amount, walletConfig().Unit)
	return nil
}

var meltCmd = &cli.Command{
	Name:      "melt",
	Usage:     "burn proofs into an on-chain withdrawal",
	ArgsUsage: "<amount>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "to", Required: true, Usage: "destination on-chain address"},
	},
	Before: setupWallet,
	Action: melt,
}

func melt(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		return cli.Exit("specify an amount to melt", 1)
	}
	var amount uint64
	if _, err := fmt.Sscanf(args.First(), "%d", &amount); err != nil || amount == 0 {
		return cli.Exit("invalid amount", 1)
	}

	unit := walletConfig().Unit
	request, err := json.Marshal(paynet.MeltPaymentRequest{
		Asset:  string(unit.Asset()),
		Payee:  ctx.String("to"),
		Amount: paynet.U256FromInt(unit.ToOnChain(amount)),
	})
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	meltResponse, err := payw.Melt(string(request))
	if err != nil {
		return walletErr(err)
	}

	fmt.Printf("melt %s: %s", meltResponse.Quote, meltResponse.State)
	if meltResponse.TxHash != "" {
		fmt.Printf(" (tx %s)", meltResponse.TxHash)
	}
	fmt.Println()
	return nil
}

var decodeWadCmd = &cli.Command{
	Name:      "decode-wad",
	Usage:     "print the contents of a wad",
	ArgsUsage: "<wad>",
	Action:    decodeWad,
}

func decodeWad(ctx *cli.Context) error {
	if ctx.Args().Len() < 1 {
		return cli.Exit("specify a wad to decode", 1)
	}

	wad, err := paynet.DecodeWad(ctx.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	total := uint256.NewInt(0)
	amount, err := wad.Amount()
	if err == nil {
		total = uint256.NewInt(amount)
	}

	fmt.Printf("node: %s\nunit: %s\namount: %v\n", wad.NodeURL, wad.Unit, total)
	for _, proof := range wad.FlatProofs() {
		fmt.Printf("  %6d  %s  %s\n", proof.Amount, proof.KeysetId, proof.Secret)
	}
	return nil
}

var nodeCmd = &cli.Command{
	Name:  "node",
	Usage: "manage the node this wallet talks to",
	Subcommands: []*cli.Command{
		{
			Name:      "add",
			Usage:     "set the node url used by this wallet",
			ArgsUsage: "<url>",
			Action: func(ctx *cli.Context) error {
				if ctx.Args().Len() < 1 {
					return cli.Exit("specify the node url", 1)
				}
				nodeURL := ctx.Args().First()
				if _, err := wallet.GetNodeInfo(nodeURL); err != nil {
					return transportErr(err)
				}

				envPath := filepath.Join(setWalletPath(), ".env")
				if err := os.WriteFile(envPath, []byte("NODE_URL="+nodeURL+"\n"), 0600); err != nil {
					return cli.Exit(err.Error(), 1)
				}
				fmt.Printf("now using node %s\n", nodeURL)
				return nil
			},
		},
		{
			Name:   "ls",
			Before: setupWallet,
			Action: func(ctx *cli.Context) error {
				info, err := wallet.GetNodeInfo(payw.NodeURL())
				if err != nil {
					return transportErr(err)
				}
				fmt.Printf("%s (%s %s) units: %s\n", payw.NodeURL(),
					info.Name, info.Version, strings.Join(info.Units, ","))
				return nil
			},
		},
	},
}

// exit codes: 0 success, 1 user error, 2 transport error, 3 ledger error
func walletErr(err error) error {
	var protocolErr paynet.Error
	if errors.As(err, &protocolErr) {
		return cli.Exit(protocolErr.Detail, 3)
	}
	if strings.Contains(err.Error(), "error making request") {
		return transportErr(err)
	}
	return cli.Exit(err.Error(), 1)
}

func transportErr(err error) error {
	return cli.Exit(err.Error(), 2)
}
