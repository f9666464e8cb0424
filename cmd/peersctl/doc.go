// Copyright (c) 2024-2026 The Bitgesell developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
peersctl is an operator tool for inspecting the peers.dat files written by the
address manager.

It reads a serialized address table, validates it against the expected network,
and reports its contents without modifying the file.  The AS map used by a node
to group addresses by autonomous system may be supplied so dumps and summaries
reflect the same grouping.

Usage:

	peersctl [OPTIONS] <stats|dump|verify> [peersfile]

The peersfile argument defaults to peers.dat in the current directory.

Commands:

	stats   Print a summary of the address table: counts per table, probe
	        and success totals, distinct address groups, and timestamp range
	verify  Check that the file decodes cleanly and report what a node would
	        recover from it
	dump    Print every address along with its table placement, probe
	        history, and group

Application Options:

	-V, --version      Display version information and exit
	    --testnet      Interpret the peers file against the test network
	    --simnet       Interpret the peers file against the simulation test
	                   network
	    --regnet       Interpret the peers file against the regression test
	                   network
	-A, --asmap=       Path to an encoded AS map used to annotate addresses
	                   with their autonomous system
	-d, --debuglevel=  Logging level {trace, debug, info, warn, error,
	                   critical} (default: info)

Help Options:

	-h, --help         Show this help message
*/
package main
