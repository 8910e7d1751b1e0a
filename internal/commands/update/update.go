// Package update crawls AppleDB build metadata and downloads FCS keys with
// bounded-retry bookkeeping.
package update

import (
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/blacktop/fcs-keys/internal/appledb"
	"github.com/blacktop/fcs-keys/internal/keys"
	"github.com/blacktop/fcs-keys/internal/ledger"
	"github.com/blacktop/fcs-keys/internal/tool"
	"github.com/blacktop/fcs-keys/internal/utils"
)

// Ledger purposes; each (purpose, OS) pair gets its own file.
const (
	KeyLogPurpose = "key_log" // mirror crawl into the consolidated database
	PemLogPurpose = "pem_log" // index crawl into per-build PEM folders
)

// Config drives one update run.
type Config struct {
	IPSW  *tool.IPSW
	Store *keys.Store

	Mirror      string // local AppleDB checkout
	LogsDir     string // where the ledgers live
	Database    string // consolidated fcs-keys.json path
	OSes        []string
	MaxAttempts int

	// remote index crawl
	IndexURL  string
	IndexOSes []string
	MinBuild  int

	Proxy    string
	Insecure bool
}

// Updater owns one run's state, most notably whether the AppleDB mirror has
// been synced yet this process.
type Updater struct {
	conf   *Config
	synced bool
}

// New returns an Updater for the given config.
func New(conf *Config) *Updater {
	return &Updater{conf: conf}
}

// ensureSynced refreshes the local AppleDB mirror at most once per run.
func (u *Updater) ensureSynced() error {
	if u.synced {
		return nil
	}
	log.Info("Syncing AppleDB mirror")
	if err := u.conf.IPSW.MirrorAppleDB("iOS"); err != nil {
		return fmt.Errorf("failed to sync AppleDB mirror: %v", err)
	}
	u.synced = true
	return nil
}

// Run performs the full update: the mirror crawl feeding the consolidated
// database, then the remote index crawl feeding per-build PEM folders, then
// a sort pass over the database so commits diff cleanly.
func (u *Updater) Run() error {
	if err := u.CrawlMirror(); err != nil {
		return err
	}
	if err := u.CrawlIndex(); err != nil {
		return err
	}
	return nil
}

// CrawlMirror walks the local AppleDB mirror per OS, seeds each OS's key_log
// ledger with every known build and attempts a consolidated-database key
// download for each non-terminal one. It is an error for the whole mirror to
// come up empty: that means the sync failed or pointed at the wrong place.
func (u *Updater) CrawlMirror() error {
	if err := u.ensureSynced(); err != nil {
		return err
	}

	var found bool
	for _, osName := range u.conf.OSes {
		log.WithField("os", osName).Info("Crawling AppleDB mirror")

		builds, err := appledb.DiscoverBuilds(u.conf.Mirror, osName)
		if err != nil {
			return err
		}
		if len(builds) > 0 {
			found = true
		}

		led, err := ledger.Open(ledger.Path(u.conf.LogsDir, osName, KeyLogPurpose))
		if err != nil {
			return err
		}
		if err := led.Seed(builds); err != nil {
			return err
		}
		utils.Indent(log.Info, 2)(fmt.Sprintf("%d builds known, %d still pending", led.Len(), led.Pending()))

		err = led.Each(u.conf.MaxAttempts, func(build string) error {
			return u.conf.IPSW.FetchKeyDB(osName, build)
		}, func() error {
			return u.sortDatabase()
		})
		if err != nil {
			return err
		}
	}

	if !found {
		return fmt.Errorf("no AppleDB data found in %s", u.conf.Mirror)
	}

	return nil
}

// CrawlIndex fetches the remote AppleDB index and downloads per-build PEM
// folders for every supported build not yet attempted, through the same
// bounded-retry traversal as the mirror crawl.
func (u *Updater) CrawlIndex() error {
	log.Info("Querying AppleDB index")
	refs, err := appledb.FetchIndex(&appledb.IndexQuery{
		URL:      u.conf.IndexURL,
		OSes:     u.conf.IndexOSes,
		MinMajor: u.conf.MinBuild,
		Proxy:    u.conf.Proxy,
		Insecure: u.conf.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to query AppleDB index: %v", err)
	}

	perOS := make(map[string][]string)
	for _, ref := range refs {
		perOS[ref.OS] = append(perOS[ref.OS], ref.Build)
	}

	for _, osName := range u.conf.IndexOSes {
		builds, ok := perOS[osName]
		if !ok {
			continue
		}
		log.WithField("os", osName).Infof("Crawling AppleDB index (%d builds)", len(builds))

		led, err := ledger.Open(ledger.Path(u.conf.LogsDir, osName, PemLogPurpose))
		if err != nil {
			return err
		}
		if err := led.Seed(builds); err != nil {
			return err
		}

		if err := led.Each(u.conf.MaxAttempts, func(build string) error {
			return u.fetchBuildPEMs(osName, build)
		}, nil); err != nil {
			return err
		}
	}

	return nil
}

// fetchBuildPEMs downloads one build's PEMs into a scratch dir and files them
// under the key store. Builds with an existing key folder or attempt marker
// are left alone.
func (u *Updater) fetchBuildPEMs(osName, build string) error {
	if u.conf.Store.Attempted(osName, build) {
		utils.Indent(log.Debug, 2)(fmt.Sprintf("already attempted %s/%s", osName, build))
		return nil
	}

	tmp, err := os.MkdirTemp("", "fcs-keys-fetch-")
	if err != nil {
		return fmt.Errorf("failed to create scratch dir: %v", err)
	}
	defer os.RemoveAll(tmp)

	if err := u.conf.IPSW.FetchKeys(osName, build, tmp); err != nil {
		return err
	}

	stored, err := u.conf.Store.Collect(osName, build, tmp)
	if err != nil {
		return err
	}
	if stored == 0 {
		utils.Indent(log.Info, 2)(fmt.Sprintf("no keys published for %s/%s", osName, build))
	} else {
		utils.Indent(log.Info, 2)(fmt.Sprintf("stored %d key(s) for %s/%s", stored, osName, build))
	}

	return nil
}

// RefreshLatest refreshes the consolidated database with the latest release's
// keys per OS. Newer releases do not always ship AEA images, so per-OS
// failures are logged and skipped.
func (u *Updater) RefreshLatest() error {
	for _, osName := range u.conf.OSes {
		log.WithField("os", osName).Info("Refreshing latest FCS keys")
		if err := u.conf.IPSW.RefreshKeyDB(osName); err != nil {
			log.WithError(err).WithField("os", osName).Warn("latest release has no FCS keys (or download failed)")
		}
	}
	return u.sortDatabase()
}

func (u *Updater) sortDatabase() error {
	if _, err := os.Stat(u.conf.Database); os.IsNotExist(err) {
		return nil
	}
	return keys.SortDatabase(u.conf.Database)
}
