// Package tool invokes the external ipsw binary. All firmware parsing, key
// derivation and decryption happens over there; this package only builds
// argument lists and reports exit status.
package tool

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/apex/log"
)

// IPSW runs the ipsw binary. One invocation at a time, blocking until the
// subprocess exits.
type IPSW struct {
	Bin     string
	Verbose bool

	// run is swappable so tests can fake the subprocess
	run func(args ...string) error
}

// New returns a runner for the given ipsw binary path ("ipsw" resolves via
// $PATH).
func New(bin string, verbose bool) *IPSW {
	t := &IPSW{Bin: bin, Verbose: verbose}
	t.run = t.execute
	return t
}

func (t *IPSW) execute(args ...string) error {
	log.Debugf("exec: %s %v", t.Bin, args)
	cmd := exec.Command(t.Bin, args...)
	if t.Verbose {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s %v: %v", t.Bin, args, err)
		}
		return nil
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %v: %s", t.Bin, args, err, out)
	}
	return nil
}

// MirrorAppleDB clones or refreshes the local AppleDB checkout.
func (t *IPSW) MirrorAppleDB(osName string) error {
	return t.run("download", "appledb", "--os", osName, "--json")
}

// FetchKeyDB downloads the FCS keys for one build into the consolidated
// fcs-keys.json database in the current directory.
func (t *IPSW) FetchKeyDB(osName, build string) error {
	args := []string{"download", "appledb", "--os", osName, "--build", build, "--fcs-keys-json", "--confirm"}
	if t.Verbose {
		args = append(args, "--verbose")
	}
	return t.run(args...)
}

// FetchKeys downloads the FCS key PEM files for one build into output.
func (t *IPSW) FetchKeys(osName, build, output string) error {
	return t.run("download", "appledb", "--os", osName, "--build", build, "--fcs-keys", "--output", output, "--confirm")
}

// RefreshKeyDB pulls the latest release's FCS keys for one OS into the
// consolidated database. New releases do not always ship AEA images, so
// callers may treat a failure here as routine.
func (t *IPSW) RefreshKeyDB(osName string) error {
	return t.run("download", "appledb", "--os", osName, "--fcs-keys-json", "--latest", "--confirm")
}

// ExtractDMG decrypts one DMG category out of an IPSW using the given PEM
// database. A non-zero exit usually just means the IPSW does not carry that
// category.
func (t *IPSW) ExtractDMG(ipswPath, dmgType, pemDB, output string) error {
	return t.run("extract", "--dmg", dmgType, "--pem-db", pemDB, "--output", output, ipswPath)
}

// SetRunner replaces the subprocess launcher. Tests use this to observe
// composed argument lists without spawning anything.
func (t *IPSW) SetRunner(run func(args ...string) error) {
	t.run = run
}
