package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"stakepool/core/types"
	"stakepool/crypto"
	"stakepool/gateway/middleware"
	"stakepool/native/bank"
)

const defaultDecimals uint8 = 18

type tokenInfo struct {
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	Decimals    uint8  `json:"decimals"`
	TotalSupply string `json:"totalSupply"`
}

type poolInfo struct {
	Owner             string     `json:"owner"`
	Module            string     `json:"module"`
	TotalStaked       string     `json:"totalStaked"`
	RewardPoolBalance string     `json:"rewardPoolBalance"`
	RewardRate        string     `json:"rewardRate"`
	Forfeited         string     `json:"forfeited"`
	LastUpdate        uint64     `json:"lastUpdate"`
	Paused            bool       `json:"paused"`
	Token             *tokenInfo `json:"token"`
}

type accountInfo struct {
	Address         string `json:"address"`
	Amount          string `json:"amount"`
	IndexCheckpoint string `json:"indexCheckpoint"`
	LastSettledAt   uint64 `json:"lastSettledAt"`
	Unclaimed       string `json:"unclaimed"`
	Pending         string `json:"pending"`
	Balance         string `json:"balance"`
	Allowance       string `json:"allowance"`
}

type payoutInfo struct {
	Address   string `json:"address"`
	Principal string `json:"principal"`
	Reward    string `json:"reward"`
	Shortfall string `json:"shortfall"`
	Total     string `json:"total"`
}

type segmentInfo struct {
	Start        uint64 `json:"start"`
	Rate         string `json:"rate"`
	IndexAtStart string `json:"indexAtStart"`
}

type historyInfo struct {
	ID         string            `json:"id"`
	Seq        uint64            `json:"seq"`
	Type       string            `json:"type"`
	Address    string            `json:"address"`
	Attributes map[string]string `json:"attributes"`
	OccurredAt int64             `json:"occurredAt"`
}

type secretGetter interface {
	Get() (string, error)
}

var keystoreParams = crypto.StandardKeystore

func runKeygen(args []string, passphrase secretGetter, stdout, stderr io.Writer) int {
	if len(args) > 1 {
		fmt.Fprintln(stderr, "Usage: stake-cli keygen [keystore-path]")
		return 1
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Fprintf(stderr, "Error: generate key: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Address:     %s\n", key.PubKey().Address().String())
	if len(args) == 0 {
		fmt.Fprintf(stdout, "Private key: %s\n", hex.EncodeToString(key.Bytes()))
		return 0
	}
	pass, err := passphrase.Get()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := crypto.SaveKeystore(args[0], key, pass, keystoreParams); err != nil {
		fmt.Fprintf(stderr, "Error: write keystore: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Keystore:    %s\n", args[0])
	return 0
}

func runIssueToken(args []string, src secretGetter, stdout, stderr io.Writer) int {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(stderr, "Usage: stake-cli token <address> [ttl]")
		return 1
	}
	subject, err := crypto.DecodeAddress(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid address: %v\n", err)
		return 1
	}
	ttl := 24 * time.Hour
	if len(args) == 2 {
		ttl, err = time.ParseDuration(args[1])
		if err != nil || ttl <= 0 {
			fmt.Fprintf(stderr, "Error: invalid ttl %q\n", args[1])
			return 1
		}
	}
	key, err := src.Get()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	token, err := middleware.IssueToken(key, subject.String(), "stakingd", "", ttl, time.Now())
	if err != nil {
		fmt.Fprintf(stderr, "Error: sign token: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func runBalance(client *apiClient, args []string, stdout, stderr io.Writer) int {
	account, token, ok := fetchAccount(client, args, "balance", stderr)
	if !ok {
		return 1
	}
	fmt.Fprintf(stdout, "Balance for %s\n", account.Address)
	fmt.Fprintf(stdout, "  Balance:   %s %s\n", formatAmount(account.Balance, token.Decimals), token.Symbol)
	fmt.Fprintf(stdout, "  Allowance: %s %s\n", formatAmount(account.Allowance, token.Decimals), token.Symbol)
	return 0
}

func runPosition(client *apiClient, args []string, stdout, stderr io.Writer) int {
	account, token, ok := fetchAccount(client, args, "position", stderr)
	if !ok {
		return 1
	}
	fmt.Fprintf(stdout, "Stake position for %s\n", account.Address)
	fmt.Fprintf(stdout, "  Staked:       %s %s\n", formatAmount(account.Amount, token.Decimals), token.Symbol)
	fmt.Fprintf(stdout, "  Unclaimed:    %s %s\n", formatAmount(account.Unclaimed, token.Decimals), token.Symbol)
	fmt.Fprintf(stdout, "  Pending:      %s %s\n", formatAmount(account.Pending, token.Decimals), token.Symbol)
	fmt.Fprintf(stdout, "  Checkpoint:   %s\n", account.IndexCheckpoint)
	if account.LastSettledAt > 0 {
		fmt.Fprintf(stdout, "  Last settled: %s (%d)\n", formatTimestamp(account.LastSettledAt), account.LastSettledAt)
	} else {
		fmt.Fprintln(stdout, "  Last settled: never")
	}
	return 0
}

func runPending(client *apiClient, args []string, stdout, stderr io.Writer) int {
	account, token, ok := fetchAccount(client, args, "pending", stderr)
	if !ok {
		return 1
	}
	fmt.Fprintf(stdout, "%s %s\n", formatAmount(account.Pending, token.Decimals), token.Symbol)
	return 0
}

func fetchAccount(client *apiClient, args []string, cmd string, stderr io.Writer) (accountInfo, tokenInfo, bool) {
	if len(args) != 1 {
		fmt.Fprintf(stderr, "Usage: stake-cli %s <address>\n", cmd)
		return accountInfo{}, tokenInfo{}, false
	}
	addr := strings.TrimSpace(args[0])
	if addr == "" {
		fmt.Fprintln(stderr, "Error: address is required")
		return accountInfo{}, tokenInfo{}, false
	}
	token, err := fetchToken(client)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return accountInfo{}, tokenInfo{}, false
	}
	var account accountInfo
	if err := client.get("/v1/accounts/"+url.PathEscape(addr), &account); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return accountInfo{}, tokenInfo{}, false
	}
	return account, token, true
}

func fetchToken(client *apiClient) (tokenInfo, error) {
	var pool poolInfo
	if err := client.get("/v1/pool", &pool); err != nil {
		return tokenInfo{}, err
	}
	if pool.Token == nil {
		return tokenInfo{Decimals: defaultDecimals}, nil
	}
	return *pool.Token, nil
}

func runPool(client *apiClient, args []string, stdout, stderr io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "Usage: stake-cli pool")
		return 1
	}
	var pool poolInfo
	if err := client.get("/v1/pool", &pool); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printPool(stdout, pool)
	return 0
}

func printPool(stdout io.Writer, pool poolInfo) {
	token := tokenInfo{Decimals: defaultDecimals}
	if pool.Token != nil {
		token = *pool.Token
	}
	fmt.Fprintln(stdout, "Staking pool")
	fmt.Fprintf(stdout, "  Owner:        %s\n", pool.Owner)
	fmt.Fprintf(stdout, "  Module:       %s\n", pool.Module)
	fmt.Fprintf(stdout, "  Total staked: %s %s\n", formatAmount(pool.TotalStaked, token.Decimals), token.Symbol)
	fmt.Fprintf(stdout, "  Reward pool:  %s %s\n", formatAmount(pool.RewardPoolBalance, token.Decimals), token.Symbol)
	fmt.Fprintf(stdout, "  Forfeited:    %s %s\n", formatAmount(pool.Forfeited, token.Decimals), token.Symbol)
	fmt.Fprintf(stdout, "  Reward rate:  %s\n", pool.RewardRate)
	fmt.Fprintf(stdout, "  Paused:       %t\n", pool.Paused)
}

func runRates(client *apiClient, args []string, stdout, stderr io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "Usage: stake-cli rates")
		return 1
	}
	var segments []segmentInfo
	if err := client.get("/v1/pool/rates", &segments); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	for _, seg := range segments {
		fmt.Fprintf(stdout, "%s  rate=%s  index=%s\n", formatTimestamp(seg.Start), seg.Rate, seg.IndexAtStart)
	}
	return 0
}

func runPositions(client *apiClient, args []string, stdout, stderr io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "Usage: stake-cli positions")
		return 1
	}
	token, err := fetchToken(client)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	var positions []accountInfo
	if err := client.get("/v1/positions", &positions); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(positions) == 0 {
		fmt.Fprintln(stdout, "No positions")
		return 0
	}
	for _, p := range positions {
		fmt.Fprintf(stdout, "%s  staked=%s  pending=%s %s\n", p.Address,
			formatAmount(p.Amount, token.Decimals), formatAmount(p.Pending, token.Decimals), token.Symbol)
	}
	return 0
}

func runHistory(client *apiClient, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(stderr, "Usage: stake-cli history <address> [limit]")
		return 1
	}
	path := "/v1/accounts/" + url.PathEscape(strings.TrimSpace(args[0])) + "/history"
	if len(args) == 2 {
		limit, err := strconv.Atoi(args[1])
		if err != nil || limit <= 0 {
			fmt.Fprintf(stderr, "Error: invalid limit %q\n", args[1])
			return 1
		}
		path += "?limit=" + strconv.Itoa(limit)
	}
	var entries []historyInfo
	if err := client.get(path, &entries); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(entries) == 0 {
		fmt.Fprintln(stdout, "No events recorded")
		return 0
	}
	for _, entry := range entries {
		fmt.Fprintf(stdout, "#%d %s  %-24s %s\n", entry.Seq, formatTimestamp(uint64(entry.OccurredAt)), entry.Type, formatAttributes(entry.Attributes))
	}
	return 0
}

var amountRoutes = map[string]string{
	"approve":         "/v1/token/approve",
	"stake":           "/v1/stake",
	"unstake":         "/v1/unstake",
	"fund":            "/v1/rewards/fund",
	"withdraw-excess": "/v1/admin/withdraw",
}

func runAmountCommand(client *apiClient, cmd string, args []string, stdout, stderr io.Writer) int {
	if len(args) != 2 {
		fmt.Fprintf(stderr, "Usage: stake-cli %s <caller> <amount>\n", cmd)
		return 1
	}
	token, err := fetchToken(client)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	amount, err := bank.ParseUnits(args[1], token.Decimals)
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid amount %q: %v\n", args[1], err)
		return 1
	}
	body := map[string]string{"caller": strings.TrimSpace(args[0]), "amount": amount.String()}
	switch cmd {
	case "unstake":
		var payout payoutInfo
		if err := client.post(amountRoutes[cmd], body, &payout); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		printPayout(stdout, "Unstaked", payout, token)
	case "stake":
		var account accountInfo
		if err := client.post(amountRoutes[cmd], body, &account); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Staked %s %s; position now %s %s\n",
			formatAmount(amount.String(), token.Decimals), token.Symbol,
			formatAmount(account.Amount, token.Decimals), token.Symbol)
	case "approve":
		if err := client.post(amountRoutes[cmd], body, nil); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Approved %s %s for staking\n", formatAmount(amount.String(), token.Decimals), token.Symbol)
	default:
		var pool poolInfo
		if err := client.post(amountRoutes[cmd], body, &pool); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		printPool(stdout, pool)
	}
	return 0
}

func runMint(client *apiClient, args []string, stdout, stderr io.Writer) int {
	if len(args) != 3 {
		fmt.Fprintln(stderr, "Usage: stake-cli mint <caller> <to> <amount>")
		return 1
	}
	token, err := fetchToken(client)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	amount, err := bank.ParseUnits(args[2], token.Decimals)
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid amount %q: %v\n", args[2], err)
		return 1
	}
	body := map[string]string{"caller": args[0], "to": args[1], "amount": amount.String()}
	if err := client.post("/v1/token/mint", body, nil); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Minted %s %s to %s\n", formatAmount(amount.String(), token.Decimals), token.Symbol, args[1])
	return 0
}

func runClaim(client *apiClient, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "Usage: stake-cli claim <caller>")
		return 1
	}
	token, err := fetchToken(client)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	var payout payoutInfo
	if err := client.post("/v1/claim", map[string]string{"caller": args[0]}, &payout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printPayout(stdout, "Claimed", payout, token)
	return 0
}

func printPayout(stdout io.Writer, verb string, payout payoutInfo, token tokenInfo) {
	fmt.Fprintf(stdout, "%s for %s\n", verb, payout.Address)
	if payout.Principal != "" && payout.Principal != "0" {
		fmt.Fprintf(stdout, "  Principal: %s %s\n", formatAmount(payout.Principal, token.Decimals), token.Symbol)
	}
	fmt.Fprintf(stdout, "  Reward:    %s %s\n", formatAmount(payout.Reward, token.Decimals), token.Symbol)
	if payout.Shortfall != "" && payout.Shortfall != "0" {
		fmt.Fprintf(stdout, "  Shortfall: %s %s (reward pool exhausted)\n", formatAmount(payout.Shortfall, token.Decimals), token.Symbol)
	}
	fmt.Fprintf(stdout, "  Received:  %s %s\n", formatAmount(payout.Total, token.Decimals), token.Symbol)
}

func runSetRate(client *apiClient, args []string, stdout, stderr io.Writer) int {
	if len(args) != 2 {
		fmt.Fprintln(stderr, "Usage: stake-cli set-rate <caller> <rate>")
		return 1
	}
	rate, ok := new(big.Int).SetString(strings.TrimSpace(args[1]), 10)
	if !ok || rate.Sign() < 0 {
		fmt.Fprintf(stderr, "Error: invalid rate %q\n", args[1])
		return 1
	}
	var pool poolInfo
	if err := client.post("/v1/admin/rate", map[string]string{"caller": args[0], "rate": rate.String()}, &pool); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printPool(stdout, pool)
	return 0
}

func runPause(client *apiClient, args []string, stdout, stderr io.Writer) int {
	if len(args) != 2 {
		fmt.Fprintln(stderr, "Usage: stake-cli pause <caller> <true|false>")
		return 1
	}
	paused, err := strconv.ParseBool(args[1])
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid pause flag %q\n", args[1])
		return 1
	}
	var pool poolInfo
	if err := client.post("/v1/admin/pause", map[string]interface{}{"caller": args[0], "paused": paused}, &pool); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printPool(stdout, pool)
	return 0
}

func runWatch(apiURL string, args []string, stdout, stderr io.Writer) int {
	if len(args) > 1 {
		fmt.Fprintln(stderr, "Usage: stake-cli watch [address]")
		return 1
	}
	wsURL, err := eventsURL(apiURL, args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		fmt.Fprintf(stderr, "Error: dial %s: %v\n", wsURL, err)
		return 1
	}
	defer conn.Close(websocket.StatusNormalClosure, "watch ended")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return 0
			}
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		var evt types.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			fmt.Fprintf(stderr, "Error: decode event: %v\n", err)
			continue
		}
		fmt.Fprintf(stdout, "#%d %s  %-24s %s\n", evt.Sequence, formatTimestamp(uint64(evt.Timestamp)), evt.Type, formatAttributes(evt.Attributes))
	}
}

func eventsURL(apiURL string, args []string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(apiURL))
	if err != nil {
		return "", fmt.Errorf("invalid api url: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	default:
		parsed.Scheme = "ws"
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/v1/events/ws"
	if len(args) == 1 {
		q := parsed.Query()
		q.Set("addr", strings.TrimSpace(args[0]))
		parsed.RawQuery = q.Encode()
	}
	return parsed.String(), nil
}

func formatAmount(raw string, decimals uint8) string {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return raw
	}
	return bank.FormatUnits(v, decimals)
}

func formatTimestamp(ts uint64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(int64(ts), 0).UTC().Format(time.RFC3339)
}

func formatAttributes(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+attrs[k])
	}
	return strings.Join(parts, " ")
}
