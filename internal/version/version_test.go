// Copyright (c) 2024-2026 The Bitgesell developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package version

import "testing"

// TestSemVerParsing ensures parsing a semantic version string works as
// expected.
func TestSemVerParsing(t *testing.T) {
	tests := []struct {
		ver     string // semantic version string to parse
		major   uint   // expected major version
		minor   uint   // expected minor version
		patch   uint   // expected patch version
		pre     string // expected pre-release string
		build   string // expected build metadata string
		invalid bool   // expected error
	}{{
		ver:   "0.2.0",
		major: 0,
		minor: 2,
		patch: 0,
	}, {
		ver:   "10.20.30",
		major: 10,
		minor: 20,
		patch: 30,
	}, {
		ver:   "0.2.0-pre",
		major: 0,
		minor: 2,
		patch: 0,
		pre:   "pre",
	}, {
		ver:   "1.0.0-alpha.1",
		major: 1,
		minor: 0,
		patch: 0,
		pre:   "alpha.1",
	}, {
		ver:   "1.0.0-0A.is.legal",
		major: 1,
		minor: 0,
		patch: 0,
		pre:   "0A.is.legal",
	}, {
		ver:   "2.0.0+build.1848",
		major: 2,
		minor: 0,
		patch: 0,
		build: "build.1848",
	}, {
		ver:   "0.2.0-pre+g1a2b3c4d5",
		major: 0,
		minor: 2,
		patch: 0,
		pre:   "pre",
		build: "g1a2b3c4d5",
	}, {
		ver:   "1.0.0-rc.1+release.local",
		major: 1,
		minor: 0,
		patch: 0,
		pre:   "rc.1",
		build: "release.local",
	}, {
		ver:   "10.2.3-DEV-SNAPSHOT",
		major: 10,
		minor: 2,
		patch: 3,
		pre:   "DEV-SNAPSHOT",
	}, {
		ver:     "1",
		invalid: true,
	}, {
		ver:     "1.2",
		invalid: true,
	}, {
		ver:     "1.2.3.4",
		invalid: true,
	}, {
		// Numeric pre-release identifiers must not have leading zeros.
		ver:     "1.2.3-0123",
		invalid: true,
	}, {
		ver:     "01.1.1",
		invalid: true,
	}, {
		ver:     "1.01.1",
		invalid: true,
	}, {
		ver:     "1.1.01",
		invalid: true,
	}, {
		ver:     "1.1.2+.123",
		invalid: true,
	}, {
		ver:     "1.0.0-alpha_beta",
		invalid: true,
	}, {
		ver:     "1.0.0-alpha..1",
		invalid: true,
	}, {
		ver:     "9.8.7+meta+meta",
		invalid: true,
	}, {
		ver:     "-1.0.3-gamma+b7718",
		invalid: true,
	}, {
		ver:     "+justmeta",
		invalid: true,
	}, {
		ver:     "alpha.beta",
		invalid: true,
	}, {
		// Would be valid except major is > max uint64.
		ver:     "99999999999999999999999.999999999999999999.99999999999999999",
		invalid: true,
	}}

	for _, test := range tests {
		major, minor, patch, pre, build, err := parseSemVer(test.ver)
		if test.invalid && err == nil {
			t.Errorf("%q: did not receive expected error", test.ver)
			continue
		}
		if !test.invalid && err != nil {
			t.Errorf("%q: unexpected err: %v", test.ver, err)
			continue
		}

		if major != test.major {
			t.Errorf("%q: mismatched major -- got %d, want %d", test.ver,
				major, test.major)
			continue
		}

		if minor != test.minor {
			t.Errorf("%q: mismatched minor -- got %d, want %d", test.ver,
				minor, test.minor)
			continue
		}

		if patch != test.patch {
			t.Errorf("%q: mismatched patch -- got %d, want %d", test.ver,
				patch, test.patch)
			continue
		}

		if pre != test.pre {
			t.Errorf("%q: mismatched pre-release -- got %s, want %s", test.ver,
				pre, test.pre)
			continue
		}

		if build != test.build {
			t.Errorf("%q: mismatched buildmetadata -- got %s, want %s",
				test.ver, build, test.build)
			continue
		}
	}
}

// TestNormalizeString ensures stripping characters that are not valid in the
// pre-release and build metadata portions of a semantic version string works
// as expected.
func TestNormalizeString(t *testing.T) {
	tests := []struct {
		name string // test description
		in   string // string to normalize
		want string // expected result
	}{{
		name: "already valid",
		in:   "release.local",
		want: "release.local",
	}, {
		name: "underscores stripped",
		in:   "go1.19_linux_amd64",
		want: "go1.19linuxamd64",
	}, {
		name: "plus and spaces stripped",
		in:   "dirty build+extra stuff",
		want: "dirtybuildextrastuff",
	}, {
		name: "empty",
		in:   "",
		want: "",
	}}

	for _, test := range tests {
		if got := NormalizeString(test.in); got != test.want {
			t.Errorf("%q: unexpected result -- got %q, want %q", test.name,
				got, test.want)
		}
	}
}

// TestDeclaredVersion ensures the version the package reports for the running
// binary is well formed and agrees with the parsed component variables.
func TestDeclaredVersion(t *testing.T) {
	major, minor, patch, pre, build, err := parseSemVer(String())
	if err != nil {
		t.Fatalf("running version %q does not parse: %v", String(), err)
	}
	if major != Major || minor != Minor || patch != Patch {
		t.Fatalf("mismatched core version -- got %d.%d.%d, want %d.%d.%d",
			major, minor, patch, Major, Minor, Patch)
	}
	if pre != PreRelease {
		t.Fatalf("mismatched pre-release -- got %q, want %q", pre, PreRelease)
	}
	if build != BuildMetadata {
		t.Fatalf("mismatched build metadata -- got %q, want %q", build,
			BuildMetadata)
	}
}
