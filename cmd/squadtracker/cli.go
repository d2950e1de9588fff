package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/ernie/squad-tracker/internal/api"
	"github.com/ernie/squad-tracker/internal/auth"
	"github.com/ernie/squad-tracker/internal/config"
	"github.com/ernie/squad-tracker/internal/deadletter"
	"github.com/ernie/squad-tracker/internal/domain"
	"github.com/ernie/squad-tracker/internal/storage"
	"github.com/ernie/squad-tracker/internal/verify"
)

// CLI helper variables
var baseURL = "http://127.0.0.1:8090"

// cliFlags registers the options every client command shares
func cliFlags(fs *flag.FlagSet) (configPath, apiURL *string) {
	configPath = fs.String("config", defaultConfigPath, "path to configuration file")
	apiURL = fs.String("url", "", "base URL of the squadtracker API")
	return configPath, apiURL
}

// loadCLIConfig loads config and derives baseURL. The config may be nil when
// only the API is needed.
func loadCLIConfig(configPath, apiURL string) *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", configPath, err)
		if apiURL != "" {
			baseURL = apiURL
		}
		return nil
	}

	if apiURL != "" {
		baseURL = apiURL
	} else {
		baseURL = "http://" + net.JoinHostPort(cfg.HTTP.ListenAddr, strconv.Itoa(cfg.HTTP.Port))
	}
	return cfg
}

// requireConfig is loadCLIConfig for commands that open storage directly
func requireConfig(configPath string) *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatalf("failed to load config from %s: %v", configPath, err)
	}
	return cfg
}

func openCLIStore(cfg *config.Config) *storage.Store {
	store, err := openStore(cfg)
	if err != nil {
		fatalf("failed to open database: %v", err)
	}
	return store
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func getJSON(path string, target any) error {
	resp, err := http.Get(baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return json.NewDecoder(resp.Body).Decode(target)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath, apiURL := cliFlags(fs)
	fs.Parse(args)

	loadCLIConfig(*configPath, *apiURL)

	var servers []domain.ServerStatus
	if err := getJSON("/api/servers", &servers); err != nil {
		fatalf("%v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tSTATE\tSTATS\tEVENTS\tLAST EVENT\tRETRIES\tERROR")
	fmt.Fprintln(w, "------\t-----\t-----\t------\t----------\t-------\t-----")
	for _, s := range servers {
		stats := "on"
		if !s.LogStats {
			stats = "off"
		}
		errMsg := s.LastError
		if errMsg == "" {
			errMsg = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
			s.ID, strings.ToUpper(string(s.State)), stats, s.Events, formatTime(s.LastEventAt), s.Attempts, errMsg)
	}
	w.Flush()

	var sizes map[string]int
	if err := getJSON("/api/buffers", &sizes); err == nil {
		queued := 0
		for _, n := range sizes {
			queued += n
		}
		fmt.Printf("\n%d events buffered\n", queued)
	}
}

func cmdLeaderboard(args []string) {
	fs := flag.NewFlagSet("leaderboard", flag.ExitOnError)
	configPath, apiURL := cliFlags(fs)
	window := fs.String("window", "24h", "lookback window such as 24h, 7d or all")
	limit := fs.Int("top", 10, "number of players to show per board")
	fs.Parse(args)

	loadCLIConfig(*configPath, *apiURL)

	var resp api.LeaderboardResponse
	q := fmt.Sprintf("/api/leaderboard?window=%s&limit=%d", url.QueryEscape(*window), *limit)
	if err := getJSON(q, &resp); err != nil {
		fatalf("%v", err)
	}

	printBoard := func(title, unit string, entries []domain.LeaderboardEntry) {
		fmt.Printf("%s (%s)\n", title, resp.Window)
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "RANK\tPLAYER\tSTEAM ID\t%s\n", unit)
		fmt.Fprintln(w, "----\t------\t--------\t-----")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", e.Rank, e.Name, e.SteamID, e.Count)
		}
		w.Flush()
	}
	printBoard("Top killers", "KILLS", resp.Killers)
	fmt.Println()
	printBoard("Top revivers", "REVIVES", resp.Revivers)
}

func cmdPlayer(args []string) {
	fs := flag.NewFlagSet("player", flag.ExitOnError)
	configPath, apiURL := cliFlags(fs)
	since := fs.String("since", "24h", "lookback window such as 24h, 7d or all")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fatalf("usage: squadtracker player <steam or eos id> [--since 24h]")
	}
	loadCLIConfig(*configPath, *apiURL)

	var stats domain.PlayerStats
	q := fmt.Sprintf("/api/players/%s/stats?since=%s", url.PathEscape(fs.Arg(0)), url.QueryEscape(*since))
	if err := getJSON(q, &stats); err != nil {
		fatalf("%v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Player:\t%s\n", stats.Player.Name)
	if stats.Player.SteamID != nil {
		fmt.Fprintf(w, "Steam ID:\t%s\n", *stats.Player.SteamID)
	}
	if stats.Player.EOSID != nil {
		fmt.Fprintf(w, "EOS ID:\t%s\n", *stats.Player.EOSID)
	}
	fmt.Fprintf(w, "Last seen:\t%s\n", formatTime(&stats.Player.LastSeen))
	fmt.Fprintf(w, "Kills:\t%d\n", stats.Kills)
	fmt.Fprintf(w, "Deaths:\t%d\n", stats.Deaths)
	fmt.Fprintf(w, "K/D:\t%.2f\n", stats.KDRatio)
	fmt.Fprintf(w, "Teamkills:\t%d\n", stats.Teamkills)
	fmt.Fprintf(w, "Revives given:\t%d\n", stats.RevivesGiven)
	fmt.Fprintf(w, "Revives received:\t%d\n", stats.RevivesReceived)
	if stats.Nemesis != nil {
		fmt.Fprintf(w, "Nemesis:\t%s\n", stats.Nemesis.Name)
	}
	w.Flush()
}

// cmdDeadLetter handles deadletter subcommands. It reads the directory
// directly, so it works while the server is down.
func cmdDeadLetter(args []string) {
	if len(args) < 1 {
		fatalf("deadletter subcommand required: list, show")
	}
	subCmd := args[0]

	fs := flag.NewFlagSet("deadletter "+subCmd, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args[1:])
	dir := requireConfig(*configPath).DeadLetter.Path

	switch subCmd {
	case "list":
		files, err := deadletter.List(dir)
		if os.IsNotExist(err) {
			fmt.Println("No dead-letter files")
			return
		}
		if err != nil {
			fatalf("%v", err)
		}
		if len(files) == 0 {
			fmt.Println("No dead-letter files")
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FILE\tKIND\tSIZE\tWRITTEN")
		fmt.Fprintln(w, "----\t----\t----\t-------")
		for _, f := range files {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", filepath.Base(f.Path), f.Kind, f.Size, formatTime(&f.ModTime))
		}
		w.Flush()

	case "show":
		if fs.NArg() != 1 {
			fatalf("usage: squadtracker deadletter show <file>")
		}
		path := fs.Arg(0)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = filepath.Join(dir, path)
		}
		entry, err := deadletter.Read(path)
		if err != nil {
			fatalf("%v", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(entry)

	default:
		fatalf("unknown deadletter command: %s (use: list, show)", subCmd)
	}
}

// cmdLink issues or withdraws verification codes on an operator's behalf
func cmdLink(args []string) {
	if len(args) < 1 {
		fatalf("link subcommand required: issue, cancel")
	}
	subCmd := args[0]

	fs := flag.NewFlagSet("link "+subCmd, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	requester := fs.String("requester", "", "external account id the code is issued for")
	target := fs.String("target", "", "where to report the match")
	ttl := fs.Duration("ttl", 0, "code lifetime (default from config)")
	fs.Parse(args[1:])

	cfg := requireConfig(*configPath)
	store := openCLIStore(cfg)
	defer store.Close()

	relay := verify.New(store, verify.Options{TTL: cfg.Verification.CodeTTL, Logger: zerolog.Nop()})
	ctx := context.Background()

	switch subCmd {
	case "issue":
		if *requester == "" {
			fatalf("--requester is required")
		}
		code, err := relay.StorePending(ctx, verify.PendingRequest{RequesterID: *requester, ResponseTarget: *target, TTL: *ttl})
		if err != nil {
			fatalf("%v", err)
		}
		lifetime := *ttl
		if lifetime == 0 {
			lifetime = cfg.Verification.CodeTTL
		}
		fmt.Printf("Code %s issued for %s, valid for %s\n", code, *requester, lifetime)

	case "cancel":
		if fs.NArg() != 1 {
			fatalf("usage: squadtracker link cancel <code>")
		}
		if err := relay.Cancel(ctx, fs.Arg(0)); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("Code %s cancelled\n", strings.ToUpper(fs.Arg(0)))

	default:
		fatalf("unknown link command: %s (use: issue, cancel)", subCmd)
	}
}

// cmdPrune runs one retention pass
func cmdPrune(args []string) {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args)

	cfg := requireConfig(*configPath)
	store := openCLIStore(cfg)
	defer store.Close()
	ctx := context.Background()

	wounds, err := store.PruneWounds(ctx, time.Now().Add(-cfg.Retention.WoundTTL))
	if err != nil {
		fatalf("pruning wounds: %v", err)
	}
	codes, err := verify.New(store, verify.Options{Logger: zerolog.Nop()}).Sweep(ctx)
	if err != nil {
		fatalf("sweeping codes: %v", err)
	}
	fmt.Printf("Pruned %d wounds and %d expired codes\n", wounds, codes)
}

// cmdHashSecret prints the bcrypt hash of a client secret for the config file
func cmdHashSecret(args []string) {
	fs := flag.NewFlagSet("hash-secret", flag.ExitOnError)
	fs.Parse(args)

	var secret string
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Print("Secret: ")
		first, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			fatalf("reading secret: %v", err)
		}
		fmt.Print("Confirm: ")
		second, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			fatalf("reading secret: %v", err)
		}
		if string(first) != string(second) {
			fatalf("secrets do not match")
		}
		secret = string(first)
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && err != io.EOF {
			fatalf("reading secret: %v", err)
		}
		secret = strings.TrimRight(line, "\r\n")
	}

	if len(secret) < 8 {
		fatalf("secret must be at least 8 characters")
	}
	hash, err := auth.HashSecret(secret)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Println(hash)
}
