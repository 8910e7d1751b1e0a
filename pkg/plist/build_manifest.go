// Package plist reads the BuildManifest.plist out of an IPSW.
package plist

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/blacktop/go-plist"
)

// BuildManifest is the BuildManifest.plist object found in IPSWs
type BuildManifest struct {
	ManifestVersion       int      `plist:"ManifestVersion,omitempty" json:"manifest_version,omitempty"`
	ProductBuildVersion   string   `plist:"ProductBuildVersion,omitempty" json:"product_build_version,omitempty"`
	ProductVersion        string   `plist:"ProductVersion,omitempty" json:"product_version,omitempty"`
	SupportedProductTypes []string `plist:"SupportedProductTypes,omitempty" json:"supported_product_types,omitempty"`
}

func (b *BuildManifest) String() string {
	var out string
	out += "[BuildManifest]\n"
	out += "===============\n"
	out += fmt.Sprintf("  ProductBuildVersion:   %s\n", b.ProductBuildVersion)
	out += fmt.Sprintf("  ProductVersion:        %s\n", b.ProductVersion)
	out += fmt.Sprintf("  SupportedProductTypes: %v\n", b.SupportedProductTypes)
	return out
}

// ParseBuildManifest parses the BuildManifest.plist
func ParseBuildManifest(data []byte) (*BuildManifest, error) {
	bm := &BuildManifest{}
	if err := plist.NewDecoder(bytes.NewReader(data)).Decode(bm); err != nil {
		return nil, fmt.Errorf("failed to decode BuildManifest.plist: %w", err)
	}
	return bm, nil
}

// FromIPSW reads and parses the BuildManifest.plist inside an IPSW zip.
func FromIPSW(path string) (*BuildManifest, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open IPSW: %v", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat IPSW: %v", err)
	}
	zr, err := zip.NewReader(f, fi.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open IPSW: %v", err)
	}

	for _, zf := range zr.File {
		if zf.Name != "BuildManifest.plist" {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open BuildManifest.plist: %v", err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read BuildManifest.plist: %v", err)
		}
		return ParseBuildManifest(data)
	}

	return nil, fmt.Errorf("no BuildManifest.plist found in %s", path)
}

// OSFamily classifies the manifest's supported product types into an OS
// family; the first product type that matches a known prefix wins.
func (b *BuildManifest) OSFamily() string {
	for _, pt := range b.SupportedProductTypes {
		switch {
		case strings.HasPrefix(pt, "iPhone"), strings.HasPrefix(pt, "iPod"):
			return "iOS"
		case strings.HasPrefix(pt, "iPad"):
			return "iPadOS"
		case strings.HasPrefix(pt, "Mac"), strings.HasPrefix(pt, "iMac"), strings.HasPrefix(pt, "VirtualMac"):
			return "macOS"
		}
	}
	return ""
}
