// Package decrypt extracts the encrypted DMGs out of an IPSW using stored
// FCS keys and the ipsw tool's --pem-db interface.
package decrypt

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/apex/log"
	"github.com/blacktop/fcs-keys/internal/keys"
	"github.com/blacktop/fcs-keys/internal/tool"
	"github.com/blacktop/fcs-keys/internal/utils"
	"github.com/blacktop/fcs-keys/pkg/plist"
	"github.com/hashicorp/go-multierror"
)

// DMGTypes are the disk image categories an IPSW can carry, in the order
// they are attempted. Not every IPSW has all five.
var DMGTypes = []string{"sys", "app", "fs", "exc", "rdisk"}

// Config drives one decrypt run.
type Config struct {
	IPSW  *tool.IPSW
	Store *keys.Store

	In       string   // IPSW path
	Output   string   // destination folder
	DMGTypes []string // subset of DMGTypes; empty means all

	// detection overrides
	OS    string
	Build string

	// key source policy: PemDB always wins; otherwise a populated per-build
	// key folder beats the consolidated database unless PreferDB is set.
	PemDB    string
	PreferDB bool
	Database string // consolidated fcs-keys.json path
}

// Run decrypts the selected DMG categories. A category the IPSW does not
// carry is reported and skipped; Run fails only when the IPSW or a key
// source is missing, or when not a single category could be extracted.
func (c *Config) Run() error {
	if _, err := os.Stat(c.In); os.IsNotExist(err) {
		return fmt.Errorf("file not found: %s", c.In)
	}

	osName, build := c.OS, c.Build
	if len(osName) == 0 || len(build) == 0 {
		log.Info("Reading IPSW metadata")
		bm, err := plist.FromIPSW(c.In)
		if err != nil {
			log.WithError(err).Warn("could not read IPSW metadata")
		} else {
			if len(build) == 0 {
				build = bm.ProductBuildVersion
			}
			if len(osName) == 0 {
				osName = bm.OSFamily()
			}
		}
	}
	if len(build) > 0 {
		utils.Indent(log.Info, 2)(fmt.Sprintf("Build: %s", build))
	}
	if len(osName) > 0 {
		utils.Indent(log.Info, 2)(fmt.Sprintf("OS:    %s", osName))
	}

	pemDB, cleanup, err := c.resolveKeySource(osName, build)
	if err != nil {
		return err
	}
	defer cleanup()

	dmgTypes := c.DMGTypes
	if len(dmgTypes) == 0 {
		dmgTypes = DMGTypes
	}
	if err := os.MkdirAll(c.Output, 0o750); err != nil {
		return fmt.Errorf("failed to create output folder %s: %v", c.Output, err)
	}

	var extracted int
	var skips *multierror.Error
	for _, dmgType := range dmgTypes {
		log.WithField("dmg", dmgType).Info("Extracting DMG")
		if err := c.IPSW.ExtractDMG(c.In, dmgType, pemDB, c.Output); err != nil {
			// the ipsw tool exits non-zero when an IPSW simply does not
			// carry a DMG category
			utils.Indent(log.Info, 2)(fmt.Sprintf("skipped (no %s DMG in this IPSW)", dmgType))
			skips = multierror.Append(skips, fmt.Errorf("%s: %v", dmgType, err))
			continue
		}
		extracted++
	}

	if extracted == 0 {
		return fmt.Errorf("no DMGs could be extracted (the IPSW may not contain AEA encrypted images, or the key may be missing): %v", skips.ErrorOrNil())
	}

	abs, err := filepath.Abs(c.Output)
	if err != nil {
		abs = c.Output
	}
	log.Infof("Decrypted %d DMG(s) to %s", extracted, abs)

	return nil
}

// resolveKeySource picks the PEM database to hand the ipsw tool and returns
// a cleanup func that removes any synthesized temp database.
func (c *Config) resolveKeySource(osName, build string) (string, func(), error) {
	noop := func() {}

	if len(c.PemDB) > 0 {
		if _, err := os.Stat(c.PemDB); os.IsNotExist(err) {
			return "", noop, fmt.Errorf("PEM database not found: %s", c.PemDB)
		}
		utils.Indent(log.Info, 2)(fmt.Sprintf("Keys:  %s", c.PemDB))
		return c.PemDB, noop, nil
	}

	if !c.PreferDB && len(osName) > 0 && len(build) > 0 && c.Store.Populated(osName, build) {
		pems, err := c.Store.BuildPEMs(osName, build)
		if err != nil {
			return "", noop, err
		}
		utils.Indent(log.Info, 2)(fmt.Sprintf("Keys:  %d PEM file(s) in %s", len(pems), c.Store.BuildDir(osName, build)))
		db, err := keys.SynthesizeDB(pems)
		if err != nil {
			return "", noop, err
		}
		return db, func() { os.Remove(db) }, nil
	}

	if _, err := os.Stat(c.Database); err == nil {
		utils.Indent(log.Info, 2)(fmt.Sprintf("Keys:  %s", c.Database))
		return c.Database, noop, nil
	}

	return "", noop, fmt.Errorf("no keys found: need a per-build key folder or %s (or pass an explicit PEM database)", keys.DatabaseName)
}
