package main

import (
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/bridgefall/bedrockd/pkg/server"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	switch os.Args[1] {
	case "stats":
		runStats(os.Args[2:])
	case "ban":
		runBan(os.Args[2:])
	case "unban":
		runUnban(os.Args[2:])
	case "bans":
		runBans(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: bedrockctl <command> [options]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  stats   Decode a CBOR stats snapshot to JSON")
	fmt.Fprintln(os.Stderr, "  ban     Ban an IP address or player name")
	fmt.Fprintln(os.Stderr, "  unban   Remove bans matching an address or name")
	fmt.Fprintln(os.Stderr, "  bans    List bans")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Examples:")
	fmt.Fprintln(os.Stderr, "  bedrockctl stats -in stats.cbor")
	fmt.Fprintln(os.Stderr, "  bedrockctl ban -db bans.db -addr 203.0.113.7 -reason spam")
	fmt.Fprintln(os.Stderr, "  bedrockctl ban -db bans.db -name Griefer")
	fmt.Fprintln(os.Stderr, "  bedrockctl unban -db bans.db Griefer")
	fmt.Fprintln(os.Stderr, "  bedrockctl bans -db bans.db")
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	inPath := fs.String("in", "", "input snapshot path (default stdin)")
	outPath := fs.String("out", "", "output path (default stdout)")
	_ = fs.Parse(args)

	data, err := readInput(*inPath)
	if err != nil {
		fatalf("read snapshot: %v", err)
	}
	js, err := server.DecodeSnapshotToJSON(data)
	if err != nil {
		fatalf("decode snapshot: %v", err)
	}
	js = append(js, '\n')
	if err := writeOutput(*outPath, js); err != nil {
		fatalf("write output: %v", err)
	}
}

func runBan(args []string) {
	fs := flag.NewFlagSet("ban", flag.ExitOnError)
	dbPath := fs.String("db", "", "ban database path")
	addr := fs.String("addr", "", "IP address to ban")
	name := fs.String("name", "", "player name to ban")
	reason := fs.String("reason", "", "reason recorded with the ban")
	_ = fs.Parse(args)

	if (*addr == "") == (*name == "") {
		fatalf("exactly one of -addr or -name is required")
	}
	store := openStore(*dbPath)
	defer store.Close()

	if *addr != "" {
		ip, err := netip.ParseAddr(*addr)
		if err != nil {
			fatalf("parse addr: %v", err)
		}
		if err := store.BanAddr(ip, *reason); err != nil {
			fatalf("ban: %v", err)
		}
		return
	}
	if err := store.BanName(*name, *reason); err != nil {
		fatalf("ban: %v", err)
	}
}

func runUnban(args []string) {
	fs := flag.NewFlagSet("unban", flag.ExitOnError)
	dbPath := fs.String("db", "", "ban database path")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fatalf("unban takes one address or name")
	}
	store := openStore(*dbPath)
	defer store.Close()

	n, err := store.Unban(fs.Arg(0))
	if err != nil {
		fatalf("unban: %v", err)
	}
	fmt.Printf("removed %d ban(s)\n", n)
}

func runBans(args []string) {
	fs := flag.NewFlagSet("bans", flag.ExitOnError)
	dbPath := fs.String("db", "", "ban database path")
	_ = fs.Parse(args)

	store := openStore(*dbPath)
	defer store.Close()

	list, err := store.List()
	if err != nil {
		fatalf("list: %v", err)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tREASON\tCREATED")
	for _, b := range list {
		target := b.Addr
		if target == "" {
			target = b.Name
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", target, b.Reason, b.Created.Format("2006-01-02 15:04:05"))
	}
	_ = tw.Flush()
}

func openStore(path string) *server.BanStore {
	if strings.TrimSpace(path) == "" {
		fatalf("-db is required")
	}
	store, err := server.OpenBanStore(path)
	if err != nil {
		fatalf("%v", err)
	}
	return store
}

func readInput(path string) ([]byte, error) {
	if path == "" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func writeOutput(path string, data []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
