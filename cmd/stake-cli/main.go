package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"stakepool/cmd/internal/secret"
)

const (
	envAPIURL   = "STAKE_API_URL"
	envAPIToken = "STAKE_API_TOKEN"
	envSecret   = "STAKINGD_JWT_SECRET"
	envKeystore = "STAKE_KEYSTORE_PASSPHRASE"
)

type globalOptions struct {
	apiURL      string
	token       string
	promptToken bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, args, err := parseGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	tokenSource := secret.NewSource(envAPIToken, "API token")
	client := newAPIClient(opts.apiURL, func() (string, error) {
		if opts.token != "" {
			return opts.token, nil
		}
		if !opts.promptToken {
			if v, ok := os.LookupEnv(envAPIToken); ok {
				return strings.TrimSpace(v), nil
			}
			return "", nil
		}
		return tokenSource.Get()
	})

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "keygen":
		return runKeygen(rest, secret.NewSource(envKeystore, "keystore passphrase"), stdout, stderr)
	case "token":
		return runIssueToken(rest, secret.NewSource(envSecret, "HMAC secret"), stdout, stderr)
	case "balance":
		return runBalance(client, rest, stdout, stderr)
	case "position":
		return runPosition(client, rest, stdout, stderr)
	case "pending":
		return runPending(client, rest, stdout, stderr)
	case "pool":
		return runPool(client, rest, stdout, stderr)
	case "rates":
		return runRates(client, rest, stdout, stderr)
	case "positions":
		return runPositions(client, rest, stdout, stderr)
	case "history":
		return runHistory(client, rest, stdout, stderr)
	case "approve", "stake", "unstake", "fund", "withdraw-excess":
		return runAmountCommand(client, cmd, rest, stdout, stderr)
	case "mint":
		return runMint(client, rest, stdout, stderr)
	case "claim":
		return runClaim(client, rest, stdout, stderr)
	case "set-rate":
		return runSetRate(client, rest, stdout, stderr)
	case "pause":
		return runPause(client, rest, stdout, stderr)
	case "watch":
		return runWatch(opts.apiURL, rest, stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n", cmd)
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func parseGlobalFlags(args []string) (globalOptions, []string, error) {
	opts := globalOptions{apiURL: "http://localhost:7080"}
	if v := strings.TrimSpace(os.Getenv(envAPIURL)); v != "" {
		opts.apiURL = v
	}
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--api" || arg == "--token":
			if i+1 >= len(args) {
				return opts, nil, fmt.Errorf("missing value for %s", arg)
			}
			if arg == "--api" {
				opts.apiURL = args[i+1]
			} else {
				opts.token = args[i+1]
			}
			i++
		case strings.HasPrefix(arg, "--api="):
			opts.apiURL = strings.TrimPrefix(arg, "--api=")
		case strings.HasPrefix(arg, "--token="):
			opts.token = strings.TrimPrefix(arg, "--token=")
		case arg == "--prompt-token":
			opts.promptToken = true
		default:
			out = append(out, arg)
		}
	}
	return opts, out, nil
}

func usage() string {
	return strings.Join([]string{
		"Usage: stake-cli [--api URL] [--token JWT | --prompt-token] <command> [args]",
		"",
		"Accounts:",
		"  keygen [keystore-path]              generate a key pair; with a path, encrypt it (reads " + envKeystore + ")",
		"  token <address> [ttl]               sign an API token (reads " + envSecret + ")",
		"  balance <address>                   token balance and allowance",
		"  position <address>                  stake record",
		"  pending <address>                   reward claimable right now",
		"  history <address> [limit]           journaled events",
		"",
		"Staking:",
		"  approve <caller> <amount>           allow the pool to pull tokens",
		"  stake <caller> <amount>",
		"  unstake <caller> <amount>",
		"  claim <caller>",
		"  fund <caller> <amount>              top up the reward pool",
		"",
		"Owner:",
		"  mint <caller> <to> <amount>",
		"  set-rate <caller> <rate>            rate is scaled by 1e18 per second",
		"  withdraw-excess <caller> <amount>",
		"  pause <caller> <true|false>",
		"",
		"Pool:",
		"  pool                                totals and reward rate",
		"  rates                               rate schedule",
		"  positions                           every stake record",
		"  watch [address]                     stream ledger events",
		"",
		"Amounts are decimal token units, e.g. 12.5.",
	}, "\n")
}
