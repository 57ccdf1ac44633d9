package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"optionvault/crypto"
	"optionvault/native/bank"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var optionsNow = time.Now

// optionRecord carries the option fields the CLI needs for permit signing.
type optionRecord struct {
	ID         uint64 `json:"id"`
	QuoteToken string `json:"quoteToken"`
	Strike     string `json:"strike"`
	Premium    string `json:"premium"`
}

func runOptionsCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, optionsUsage())
		return 1
	}

	switch args[0] {
	case "deposit":
		return runOptionsDeposit(args[1:], stdout, stderr)
	case "purchase":
		return runOptionsPurchase(args[1:], stdout, stderr)
	case "exercise":
		return runOptionsExercise(args[1:], stdout, stderr)
	case "close":
		return runOptionsClose(args[1:], stdout, stderr)
	case "get":
		return runOptionsGet(args[1:], stdout, stderr)
	case "list":
		return runOptionsList(args[1:], stdout, stderr)
	case "events":
		return runOptionsEvents(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown options subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, optionsUsage())
		return 1
	}
}

func runOptionsDeposit(args []string, stdout, stderr io.Writer) int {
	fs := newOptionsFlagSet("options deposit", stderr)
	var (
		seller     string
		collection string
		itemStr    string
		quoteToken string
		strikeStr  string
		premiumStr string
		expiry     string
	)
	fs.StringVar(&seller, "seller", "", "seller bech32 address")
	fs.StringVar(&collection, "collection", "", "collection holding the escrowed item")
	fs.StringVar(&itemStr, "item", "", "item identifier inside the collection")
	fs.StringVar(&quoteToken, "quote-token", "", "token the strike and premium settle in")
	fs.StringVar(&strikeStr, "strike", "", "strike amount (supports 100e18 shorthand)")
	fs.StringVar(&premiumStr, "premium", "", "premium amount (supports 100e18 shorthand)")
	fs.StringVar(&expiry, "expiry", "", "expiry as +duration or RFC3339 timestamp")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if seller == "" {
		return printOptionsError(stderr, "--seller is required")
	}
	if collection == "" {
		return printOptionsError(stderr, "--collection is required")
	}
	if itemStr == "" {
		return printOptionsError(stderr, "--item is required")
	}
	itemValue, err := strconv.ParseUint(itemStr, 10, 64)
	if err != nil {
		return printOptionsError(stderr, "--item must be a non-negative integer")
	}
	if quoteToken == "" {
		return printOptionsError(stderr, "--quote-token is required")
	}
	strike, err := normalizeAmount("--strike", strikeStr)
	if err != nil {
		return printOptionsError(stderr, err.Error())
	}
	premium, err := normalizeAmount("--premium", premiumStr)
	if err != nil {
		return printOptionsError(stderr, err.Error())
	}
	if expiry == "" {
		return printOptionsError(stderr, "--expiry is required")
	}
	expiryUnix, err := parseDeadline(expiry, optionsNow())
	if err != nil {
		return printOptionsError(stderr, err.Error())
	}

	params := map[string]interface{}{
		"seller":     seller,
		"collection": collection,
		"itemId":     itemValue,
		"quoteToken": quoteToken,
		"strike":     strike,
		"premium":    premium,
		"expiry":     expiryUnix,
	}
	result, rpcErr, err := nodeRPCCall("options_deposit", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runOptionsPurchase(args []string, stdout, stderr io.Writer) int {
	fs := newOptionsFlagSet("options purchase", stderr)
	var (
		idStr        string
		buyer        string
		keystorePath string
		deadline     string
	)
	fs.StringVar(&idStr, "id", "", "option identifier")
	fs.StringVar(&buyer, "buyer", "", "buyer bech32 address")
	fs.StringVar(&keystorePath, "keystore", "", "keystore used to sign the premium permit")
	fs.StringVar(&deadline, "deadline", "+15m", "permit deadline as +duration or RFC3339 timestamp")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	idValue, err := parseOptionID(idStr)
	if err != nil {
		return printOptionsError(stderr, err.Error())
	}

	params := map[string]interface{}{"id": idValue}
	if keystorePath == "" {
		if buyer == "" {
			return printOptionsError(stderr, "--buyer is required when no --keystore is provided")
		}
		params["buyer"] = buyer
	} else {
		key, err := loadKeystoreKey(keystorePath)
		if err != nil {
			return printOptionsError(stderr, err.Error())
		}
		derived := key.PubKey().Address().String()
		if buyer != "" && buyer != derived {
			return printOptionsError(stderr, fmt.Sprintf("--buyer %s does not match keystore address %s", buyer, derived))
		}
		params["buyer"] = derived
		deadlineUnix, err := parseDeadline(deadline, optionsNow())
		if err != nil {
			return printOptionsError(stderr, err.Error())
		}
		opt, code := fetchOptionRecord(idValue, stderr)
		if code != 0 {
			return code
		}
		if code := attachSignedPermit(params, opt.QuoteToken, derived, opt.Premium, deadlineUnix, key, stderr); code != 0 {
			return code
		}
	}

	result, rpcErr, err := nodeRPCCall("options_purchase", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runOptionsExercise(args []string, stdout, stderr io.Writer) int {
	fs := newOptionsFlagSet("options exercise", stderr)
	var (
		idStr        string
		caller       string
		keystorePath string
		deadline     string
	)
	fs.StringVar(&idStr, "id", "", "option identifier")
	fs.StringVar(&caller, "caller", "", "buyer bech32 address")
	fs.StringVar(&keystorePath, "keystore", "", "keystore used to sign the strike permit")
	fs.StringVar(&deadline, "deadline", "+15m", "permit deadline as +duration or RFC3339 timestamp")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	idValue, err := parseOptionID(idStr)
	if err != nil {
		return printOptionsError(stderr, err.Error())
	}

	params := map[string]interface{}{"id": idValue}
	if keystorePath == "" {
		if caller == "" {
			return printOptionsError(stderr, "--caller is required when no --keystore is provided")
		}
		params["caller"] = caller
	} else {
		key, err := loadKeystoreKey(keystorePath)
		if err != nil {
			return printOptionsError(stderr, err.Error())
		}
		derived := key.PubKey().Address().String()
		if caller != "" && caller != derived {
			return printOptionsError(stderr, fmt.Sprintf("--caller %s does not match keystore address %s", caller, derived))
		}
		params["caller"] = derived
		deadlineUnix, err := parseDeadline(deadline, optionsNow())
		if err != nil {
			return printOptionsError(stderr, err.Error())
		}
		opt, code := fetchOptionRecord(idValue, stderr)
		if code != 0 {
			return code
		}
		if code := attachSignedPermit(params, opt.QuoteToken, derived, opt.Strike, deadlineUnix, key, stderr); code != 0 {
			return code
		}
	}

	result, rpcErr, err := nodeRPCCall("options_exercise", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runOptionsClose(args []string, stdout, stderr io.Writer) int {
	fs := newOptionsFlagSet("options close", stderr)
	var (
		idStr  string
		caller string
	)
	fs.StringVar(&idStr, "id", "", "option identifier")
	fs.StringVar(&caller, "caller", "", "seller or buyer address requesting the close")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	idValue, err := parseOptionID(idStr)
	if err != nil {
		return printOptionsError(stderr, err.Error())
	}
	if caller == "" {
		return printOptionsError(stderr, "--caller is required")
	}
	params := map[string]interface{}{"id": idValue, "caller": caller}
	result, rpcErr, err := nodeRPCCall("options_close", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runOptionsGet(args []string, stdout, stderr io.Writer) int {
	fs := newOptionsFlagSet("options get", stderr)
	var idStr string
	fs.StringVar(&idStr, "id", "", "option identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	idValue, err := parseOptionID(idStr)
	if err != nil {
		return printOptionsError(stderr, err.Error())
	}
	params := map[string]interface{}{"id": idValue}
	result, rpcErr, err := nodeRPCCall("options_get", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runOptionsList(args []string, stdout, stderr io.Writer) int {
	fs := newOptionsFlagSet("options list", stderr)
	var (
		start uint64
		limit int
	)
	fs.Uint64Var(&start, "start", 0, "first option id to return")
	fs.IntVar(&limit, "limit", 20, "maximum number of records")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if limit <= 0 {
		return printOptionsError(stderr, "--limit must be positive")
	}
	params := map[string]interface{}{"start": start, "limit": limit}
	result, rpcErr, err := nodeRPCCall("options_list", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runOptionsEvents(args []string, stdout, stderr io.Writer) int {
	fs := newOptionsFlagSet("options events", stderr)
	var (
		cursor uint64
		limit  int
	)
	fs.Uint64Var(&cursor, "cursor", 0, "resume after this sequence number")
	fs.IntVar(&limit, "limit", 50, "maximum number of events")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if limit <= 0 {
		return printOptionsError(stderr, "--limit must be positive")
	}
	params := map[string]interface{}{"cursor": cursor, "limit": limit}
	result, rpcErr, err := nodeRPCCall("options_events", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

// fetchOptionRecord looks up the option so signing commands can derive the
// permit amount from the on-chain strike or premium. A non-zero return is the
// command exit code after the error has been printed.
func fetchOptionRecord(id uint64, stderr io.Writer) (*optionRecord, int) {
	result, rpcErr, err := nodeRPCCall("options_get", map[string]interface{}{"id": id}, false)
	if err != nil {
		return nil, handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return nil, handleRPCError(stderr, rpcErr)
	}
	var opt optionRecord
	if err := json.Unmarshal(result, &opt); err != nil {
		return nil, printOptionsError(stderr, fmt.Sprintf("failed to decode option record: %v", err))
	}
	return &opt, 0
}

// attachSignedPermit walks the same path a wallet would: fetch the canonical
// digest for the transfer, check it against a locally recomputed hash and sign
// it with the keystore key. Signing is refused when the node's digest does not
// match the permit it returned.
func attachSignedPermit(params map[string]interface{}, token, owner, amount string, deadline int64, key *crypto.PrivateKey, stderr io.Writer) int {
	digestParams := map[string]interface{}{
		"token":    token,
		"owner":    owner,
		"amount":   amount,
		"deadline": deadline,
	}
	result, rpcErr, err := nodeRPCCall("bank_permitDigest", digestParams, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	var decoded struct {
		Digest string      `json:"digest"`
		Permit bank.Permit `json:"permit"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return printOptionsError(stderr, fmt.Sprintf("failed to decode permit digest response: %v", err))
	}
	local := "0x" + hex.EncodeToString(decoded.Permit.Hash())
	if !strings.EqualFold(local, strings.TrimSpace(decoded.Digest)) {
		return printOptionsError(stderr, fmt.Sprintf("node digest %s does not match the returned permit", decoded.Digest))
	}
	sig, err := ethcrypto.Sign(decoded.Permit.Hash(), key.PrivateKey)
	if err != nil {
		return printOptionsError(stderr, fmt.Sprintf("failed to sign permit: %v", err))
	}
	params["permit"] = &decoded.Permit
	params["signature"] = "0x" + hex.EncodeToString(sig)
	return 0
}

func newOptionsFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, optionsUsage())
	}
	return fs
}

func printOptionsError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func optionsUsage() string {
	return strings.TrimSpace(`Usage:
  optionvault-cli options <command> [flags]

Commands:
  deposit  Escrow an item and write a new call option
  purchase Buy an open option, settling the premium
  exercise Exercise a purchased option, settling the strike
  close    Close an option and return the item to the seller
  get      Fetch an option record by id
  list     Page through option records
  events   Page through the option event stream
`)
}

func parseOptionID(value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("--id is required")
	}
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("--id must be a non-negative integer")
	}
	return id, nil
}

func normalizeAmount(flagName, value string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("%s is required", flagName)
	}
	var exponent int
	base := trimmed
	if idx := strings.IndexAny(trimmed, "eE"); idx != -1 {
		base = trimmed[:idx]
		expPart := strings.TrimSpace(trimmed[idx+1:])
		if expPart == "" {
			return "", fmt.Errorf("invalid scientific notation in %s", flagName)
		}
		expValue, err := strconv.ParseInt(expPart, 10, 32)
		if err != nil {
			return "", fmt.Errorf("invalid scientific notation in %s", flagName)
		}
		exponent = int(expValue)
	}
	base = strings.TrimSpace(strings.TrimPrefix(base, "+"))
	if strings.HasPrefix(base, "-") {
		return "", fmt.Errorf("%s must be positive", flagName)
	}
	parts := strings.Split(base, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid %s format", flagName)
	}
	integerPart := parts[0]
	fractionalPart := ""
	if len(parts) == 2 {
		fractionalPart = parts[1]
	}
	digits := integerPart + fractionalPart
	if digits == "" {
		return "", fmt.Errorf("invalid %s format", flagName)
	}
	if !isDigits(digits) {
		return "", fmt.Errorf("invalid %s format", flagName)
	}
	digits = strings.TrimLeft(digits, "0")
	fracLen := len(fractionalPart)
	if fracLen > 0 {
		for fracLen > 0 && len(digits) > 0 && digits[len(digits)-1] == '0' {
			digits = digits[:len(digits)-1]
			fracLen--
		}
	}
	totalExponent := exponent - fracLen
	if totalExponent < 0 {
		return "", fmt.Errorf("%s must be an integer", flagName)
	}
	if digits == "" {
		return "", fmt.Errorf("%s must be positive", flagName)
	}
	if totalExponent > 0 {
		digits += strings.Repeat("0", totalExponent)
	}
	return digits, nil
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func parseDeadline(value string, now time.Time) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("deadline is required")
	}
	if strings.HasPrefix(trimmed, "+") {
		durationStr := strings.TrimSpace(trimmed[1:])
		if durationStr == "" {
			return 0, fmt.Errorf("invalid deadline duration")
		}
		dur, err := parseDeadlineDuration(durationStr)
		if err != nil {
			return 0, err
		}
		if dur <= 0 {
			return 0, fmt.Errorf("deadline duration must be positive")
		}
		return now.Add(dur).Unix(), nil
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid RFC3339 deadline")
	}
	return ts.Unix(), nil
}

func parseDeadlineDuration(value string) (time.Duration, error) {
	if strings.HasSuffix(value, "d") || strings.HasSuffix(value, "D") {
		daysStr := strings.TrimSuffix(strings.TrimSuffix(value, "d"), "D")
		if daysStr == "" {
			return 0, fmt.Errorf("invalid deadline duration")
		}
		days, err := strconv.ParseFloat(daysStr, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid deadline duration")
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid deadline duration")
	}
	return dur, nil
}
