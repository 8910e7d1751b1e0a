package decrypt

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/blacktop/fcs-keys/internal/keys"
	"github.com/blacktop/fcs-keys/internal/tool"
)

const manifestXML = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>ProductBuildVersion</key>
	<string>22A5307f</string>
	<key>ProductVersion</key>
	<string>18.0</string>
	<key>SupportedProductTypes</key>
	<array>
		<string>iPhone16,2</string>
	</array>
</dict>
</plist>`

type call struct {
	dmgType string
	pemDB   string
}

// fakeExtractor scripts per-category ipsw extract outcomes.
type fakeExtractor struct {
	calls   []call
	present map[string]bool // dmg types the fake IPSW carries
}

func (f *fakeExtractor) run(args ...string) error {
	var c call
	for i, a := range args {
		switch a {
		case "--dmg":
			c.dmgType = args[i+1]
		case "--pem-db":
			c.pemDB = args[i+1]
		}
	}
	f.calls = append(f.calls, c)
	if !f.present[c.dmgType] {
		return fmt.Errorf("exit status 1")
	}
	return nil
}

func writeIPSW(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "iPhone16,2_18.0_22A5307f_Restore.ipsw")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("BuildManifest.plist")
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprint(w, manifestXML)
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return path
}

func testConfig(t *testing.T, fake *fakeExtractor) *Config {
	t.Helper()
	ipsw := tool.New("ipsw", false)
	ipsw.SetRunner(fake.run)
	dir := t.TempDir()
	return &Config{
		IPSW:     ipsw,
		Store:    &keys.Store{Root: filepath.Join(dir, "keys")},
		In:       writeIPSW(t, dir),
		Output:   filepath.Join(dir, "out"),
		Database: filepath.Join(dir, "fcs-keys.json"),
	}
}

func storeBuildKey(t *testing.T, store *keys.Store, osName, build string) {
	t.Helper()
	dir := store.BuildDir(osName, build)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "abc123.pem"), []byte("KEY"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunPartialCategoriesSucceed(t *testing.T) {
	fake := &fakeExtractor{present: map[string]bool{"sys": true, "rdisk": true}}
	conf := testConfig(t, fake)
	storeBuildKey(t, conf.Store, "iOS", "22A5307f")

	if err := conf.Run(); err != nil {
		t.Fatalf("Run() = %v, want success with 2 of 5 categories", err)
	}
	if len(fake.calls) != len(DMGTypes) {
		t.Errorf("attempted %d categories, want all %d", len(fake.calls), len(DMGTypes))
	}
	for i, c := range fake.calls {
		if c.dmgType != DMGTypes[i] {
			t.Errorf("category %d = %s, want fixed order %v", i, c.dmgType, DMGTypes)
		}
	}
}

func TestRunAllCategoriesAbsentFails(t *testing.T) {
	fake := &fakeExtractor{present: map[string]bool{}}
	conf := testConfig(t, fake)
	storeBuildKey(t, conf.Store, "iOS", "22A5307f")

	if err := conf.Run(); err == nil {
		t.Error("Run() = nil, want error when zero categories extracted")
	}
}

func TestRunSynthesizesAndCleansUpTempDB(t *testing.T) {
	fake := &fakeExtractor{present: map[string]bool{"sys": true}}
	conf := testConfig(t, fake)
	storeBuildKey(t, conf.Store, "iOS", "22A5307f")

	if err := conf.Run(); err != nil {
		t.Fatal(err)
	}
	pemDB := fake.calls[0].pemDB
	if !strings.Contains(filepath.Base(pemDB), "fcs-keys-") {
		t.Errorf("per-build keys should go through a synthesized temp database, got %s", pemDB)
	}
	if _, err := os.Stat(pemDB); !os.IsNotExist(err) {
		t.Errorf("synthesized database %s not cleaned up", pemDB)
	}
}

func TestRunFallsBackToConsolidatedDB(t *testing.T) {
	fake := &fakeExtractor{present: map[string]bool{"sys": true}}
	conf := testConfig(t, fake)
	// no per-build keys; only the consolidated database exists
	if err := os.WriteFile(conf.Database, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := conf.Run(); err != nil {
		t.Fatal(err)
	}
	if fake.calls[0].pemDB != conf.Database {
		t.Errorf("pem-db = %s, want consolidated %s", fake.calls[0].pemDB, conf.Database)
	}
}

func TestRunPreferDBSkipsBuildFolder(t *testing.T) {
	fake := &fakeExtractor{present: map[string]bool{"sys": true}}
	conf := testConfig(t, fake)
	storeBuildKey(t, conf.Store, "iOS", "22A5307f")
	if err := os.WriteFile(conf.Database, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	conf.PreferDB = true

	if err := conf.Run(); err != nil {
		t.Fatal(err)
	}
	if fake.calls[0].pemDB != conf.Database {
		t.Errorf("pem-db = %s, want consolidated %s despite per-build keys", fake.calls[0].pemDB, conf.Database)
	}
}

func TestRunNoKeySourceFails(t *testing.T) {
	fake := &fakeExtractor{present: map[string]bool{"sys": true}}
	conf := testConfig(t, fake)

	err := conf.Run()
	if err == nil {
		t.Fatal("Run() = nil, want error when no key source exists")
	}
	if len(fake.calls) != 0 {
		t.Errorf("extracted %d categories with no keys, want none", len(fake.calls))
	}
}

func TestRunMissingIPSWFails(t *testing.T) {
	fake := &fakeExtractor{}
	conf := testConfig(t, fake)
	conf.In = filepath.Join(t.TempDir(), "missing.ipsw")

	if err := conf.Run(); err == nil {
		t.Error("Run() = nil, want error for missing IPSW")
	}
}

func TestRunMissingExplicitPemDBFails(t *testing.T) {
	fake := &fakeExtractor{}
	conf := testConfig(t, fake)
	conf.PemDB = filepath.Join(t.TempDir(), "nope.json")

	if err := conf.Run(); err == nil {
		t.Error("Run() = nil, want error for missing explicit PEM database")
	}
}

func TestRunDMGTypeSubset(t *testing.T) {
	fake := &fakeExtractor{present: map[string]bool{"sys": true, "app": true}}
	conf := testConfig(t, fake)
	storeBuildKey(t, conf.Store, "iOS", "22A5307f")
	conf.DMGTypes = []string{"sys"}

	if err := conf.Run(); err != nil {
		t.Fatal(err)
	}
	if len(fake.calls) != 1 || fake.calls[0].dmgType != "sys" {
		t.Errorf("calls = %v, want only sys", fake.calls)
	}
}

func TestRunBuildOverride(t *testing.T) {
	fake := &fakeExtractor{present: map[string]bool{"sys": true}}
	conf := testConfig(t, fake)
	storeBuildKey(t, conf.Store, "iPadOS", "22B83")
	conf.OS = "iPadOS"
	conf.Build = "22B83"

	if err := conf.Run(); err != nil {
		t.Fatalf("Run() with overrides = %v", err)
	}
}
