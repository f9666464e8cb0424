// Copyright (c) 2024-2026 The Bitgesell developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/decred/slog"
	flags "github.com/jessevdk/go-flags"

	"github.com/slowriot/bitgesell/addrmgr"
	"github.com/slowriot/bitgesell/asmap"
	"github.com/slowriot/bitgesell/internal/version"
	"github.com/slowriot/bitgesell/wire"
)

const (
	defaultPeersFile  = "peers.dat"
	defaultDebugLevel = "info"
)

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}

func usage(parser *flags.Parser) {
	parser.WriteHelp(os.Stderr)
	os.Exit(2)
}

// config defines the configuration options for peersctl.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	TestNet     bool   `long:"testnet" description:"Interpret the peers file against the test network"`
	SimNet      bool   `long:"simnet" description:"Interpret the peers file against the simulation test network"`
	RegNet      bool   `long:"regnet" description:"Interpret the peers file against the regression test network"`
	ASMapFile   string `short:"A" long:"asmap" description:"Path to an encoded AS map used to annotate addresses with their autonomous system"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
}

func main() {
	cfg := config{
		DebugLevel: defaultDebugLevel,
	}
	parser := flags.NewParser(&cfg, flags.Default)
	parser.Usage = "[OPTIONS] <stats|dump|verify> [peersfile]"
	args, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if cfg.ShowVersion {
		fmt.Printf("peersctl version %s (Go version %s %s/%s)\n",
			version.String(), runtime.Version(), runtime.GOOS,
			runtime.GOARCH)
		os.Exit(0)
	}

	level, ok := slog.LevelFromString(cfg.DebugLevel)
	if !ok {
		fatalf("invalid debug level %q\n", cfg.DebugLevel)
	}
	backend := slog.NewBackend(os.Stderr)
	amgrLog := backend.Logger("AMGR")
	amgrLog.SetLevel(level)
	addrmgr.UseLogger(amgrLog)
	asmapLog := backend.Logger("ASMP")
	asmapLog.SetLevel(level)
	asmap.UseLogger(asmapLog)

	activeNet := wire.MainNet
	numNets := 0
	if cfg.TestNet {
		activeNet = wire.TestNet
		numNets++
	}
	if cfg.SimNet {
		activeNet = wire.SimNet
		numNets++
	}
	if cfg.RegNet {
		activeNet = wire.RegNet
		numNets++
	}
	if numNets > 1 {
		fatalf("the testnet, simnet, and regnet options may not be used " +
			"together\n")
	}

	if len(args) < 1 || len(args) > 2 {
		usage(parser)
	}
	command := args[0]
	peersFile := defaultPeersFile
	if len(args) == 2 {
		peersFile = args[1]
	}

	var asMap *asmap.ASMap
	if cfg.ASMapFile != "" {
		asMap, err = asmap.LoadFile(cfg.ASMapFile)
		if err != nil {
			fatalf("load AS map: %v\n", err)
		}
	}

	amgr := addrmgr.New(&addrmgr.Config{Net: activeNet, ASMap: asMap})
	switch command {
	case "stats":
		err = statsPeers(amgr, peersFile, activeNet, asMap)
	case "dump":
		err = dumpPeers(amgr, peersFile, activeNet, asMap)
	case "verify":
		err = verifyPeers(amgr, peersFile, activeNet)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		usage(parser)
	}
	if err != nil {
		fatalf("%v\n", err)
	}
}

// loadPeersFile reads the peers file at the provided path into the manager
// after validating that its network magic matches the expected network.
func loadPeersFile(amgr *addrmgr.AddrManager, path string, activeNet wire.BitgesellNet) error {
	fi, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fi.Close()

	var magic [4]byte
	if _, err := io.ReadFull(fi, magic[:]); err != nil {
		return fmt.Errorf("%s: reading network magic: %v", path, err)
	}
	fileNet := wire.BitgesellNet(binary.LittleEndian.Uint32(magic[:]))
	if fileNet != activeNet {
		return fmt.Errorf("%s belongs to another network (%s)", path, fileNet)
	}
	if err := amgr.Deserialize(bufio.NewReader(fi)); err != nil {
		return fmt.Errorf("%s: %v", path, err)
	}
	return nil
}

// formatStamp renders the provided time for output, with the zero value shown
// as never.
func formatStamp(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format("2006-01-02 15:04:05")
}

// statsPeers prints a summary of the address table held in the peers file.
func statsPeers(amgr *addrmgr.AddrManager, path string, activeNet wire.BitgesellNet, asMap *asmap.ASMap) error {
	if err := loadPeersFile(amgr, path, activeNet); err != nil {
		return err
	}

	addrs := amgr.GetAddresses(0, 0)
	var tried, attempted, succeeded, terrible int
	groups := make(map[string]struct{})
	asns := make(map[uint32]struct{})
	var oldest, newest time.Time
	now := time.Now()
	for _, ka := range addrs {
		na := ka.NetAddress()
		if ka.Tried() {
			tried++
		}
		if ka.Attempts() > 0 {
			attempted++
		}
		if !ka.LastSuccess().IsZero() {
			succeeded++
		}
		if ka.IsTerrible(now) {
			terrible++
		}
		groups[na.GroupKey()] = struct{}{}
		if asMap != nil {
			if asn := asMap.Lookup(net.IP(na.IP)); asn != 0 {
				asns[asn] = struct{}{}
			}
		}
		if !na.Timestamp.IsZero() {
			if oldest.IsZero() || na.Timestamp.Before(oldest) {
				oldest = na.Timestamp
			}
			if newest.IsZero() || na.Timestamp.After(newest) {
				newest = na.Timestamp
			}
		}
	}

	total := len(addrs)
	fmt.Printf("peers file: %s\n", path)
	fmt.Printf("network: %s\n", activeNet)
	fmt.Printf("addresses: %d (%d new, %d tried)\n", total, total-tried, tried)
	fmt.Printf("attempted: %d\n", attempted)
	fmt.Printf("succeeded: %d\n", succeeded)
	fmt.Printf("terrible: %d\n", terrible)
	fmt.Printf("groups: %d\n", len(groups))
	if asMap != nil {
		fmt.Printf("autonomous systems: %d (AS map of %d prefixes)\n",
			len(asns), asMap.Len())
	}
	if !oldest.IsZero() {
		fmt.Printf("oldest stamp: %s\n", formatStamp(oldest))
		fmt.Printf("newest stamp: %s\n", formatStamp(newest))
	}
	return nil
}

// dumpPeers prints every address in the peers file along with its table state.
func dumpPeers(amgr *addrmgr.AddrManager, path string, activeNet wire.BitgesellNet, asMap *asmap.ASMap) error {
	if err := loadPeersFile(amgr, path, activeNet); err != nil {
		return err
	}

	addrs := amgr.GetAddresses(0, 0)
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i].NetAddress().Key() < addrs[j].NetAddress().Key()
	})

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	header := []string{"ADDRESS", "TABLE", "ATTEMPTS", "LAST ATTEMPT",
		"LAST SUCCESS", "GROUP"}
	if asMap != nil {
		header = append(header, "ASN")
	}
	header = append(header, "SOURCE")
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, ka := range addrs {
		na := ka.NetAddress()
		table := "new"
		if ka.Tried() {
			table = "tried"
		}
		row := []string{
			na.Key(), table, strconv.Itoa(ka.Attempts()),
			formatStamp(ka.LastAttempt()), formatStamp(ka.LastSuccess()),
			na.GroupKey(),
		}
		if asMap != nil {
			asn := "-"
			if id := asMap.Lookup(net.IP(na.IP)); id != 0 {
				asn = "AS" + strconv.FormatUint(uint64(id), 10)
			}
			row = append(row, asn)
		}
		row = append(row, ka.Source().Key())
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// verifyPeers checks that the peers file decodes cleanly and reports what a
// node would recover from it.
func verifyPeers(amgr *addrmgr.AddrManager, path string, activeNet wire.BitgesellNet) error {
	if err := loadPeersFile(amgr, path, activeNet); err != nil {
		if salvaged := amgr.NumAddresses(); salvaged > 0 {
			return fmt.Errorf("%v (%d addresses decoded before the failure; "+
				"a node would discard the file and start fresh)", err,
				salvaged)
		}
		return err
	}

	addrs := amgr.GetAddresses(0, 0)
	var tried int
	for _, ka := range addrs {
		if ka.Tried() {
			tried++
		}
	}
	fmt.Printf("%s: OK\n", path)
	fmt.Printf("%d addresses recoverable (%d new, %d tried)\n", len(addrs),
		len(addrs)-tried, tried)
	return nil
}
