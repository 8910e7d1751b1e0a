// Package appledb enumerates Apple build IDs from the local AppleDB mirror
// maintained by the ipsw tool and from the remote AppleDB index API.
package appledb

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/fcs-keys/internal/utils"
)

// IndexURL is the remote AppleDB index of known (OS, build) pairs.
const IndexURL = "https://api.appledb.dev/ios/index.json"

// DiscoverBuilds walks the mirror's osFiles tree for one OS and returns the
// build IDs it finds (one per "<build>.json" metadata file), sorted and
// deduplicated. A missing OS folder is not an error; it yields no builds.
func DiscoverBuilds(mirror, osName string) ([]string, error) {
	root := filepath.Join(mirror, "osFiles", osName)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}

	var builds []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		builds = append(builds, strings.TrimSuffix(d.Name(), ".json"))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk AppleDB mirror %s: %v", root, err)
	}

	builds = utils.Unique(builds)
	sort.Strings(builds)

	return builds, nil
}

// BuildRef is one entry of the remote AppleDB index.
type BuildRef struct {
	OS    string
	Build string
}

// IndexQuery filters the remote AppleDB index.
type IndexQuery struct {
	URL      string   // defaults to IndexURL
	OSes     []string // keep only these OS families
	MinMajor int      // keep only builds with a major version at or above this
	Proxy    string
	Insecure bool
}

// FetchIndex downloads the remote AppleDB index, a JSON list of "<OS>;<build>"
// strings, and returns the entries matching the query.
func FetchIndex(q *IndexQuery) ([]BuildRef, error) {
	indexURL := q.URL
	if len(indexURL) == 0 {
		indexURL = IndexURL
	}

	req, err := http.NewRequest("GET", indexURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot create http GET request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Add("User-Agent", utils.RandomAgent())

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:           getProxy(q.Proxy),
			TLSClientConfig: &tls.Config{InsecureSkipVerify: q.Insecure},
		},
	}

	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("appledb index returned status: %s", res.Status)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	var entries []string
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse appledb index: %v", err)
	}

	var refs []BuildRef
	for _, entry := range entries {
		osName, build, found := strings.Cut(entry, ";")
		if !found {
			log.Debugf("skipping malformed index entry %#v", entry)
			continue
		}
		if len(q.OSes) > 0 && !utils.StrSliceHas(q.OSes, osName) {
			continue
		}
		if q.MinMajor > 0 {
			major, ok := BuildMajor(build)
			if !ok || major < q.MinMajor {
				continue
			}
		}
		refs = append(refs, BuildRef{OS: osName, Build: build})
	}

	return refs, nil
}

// BuildMajor parses the leading digits of a build ID (e.g. 22 for "22A5307f").
func BuildMajor(build string) (int, bool) {
	var i int
	for i < len(build) && build[i] >= '0' && build[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, false
	}
	major, err := strconv.Atoi(build[:i])
	if err != nil {
		return 0, false
	}
	return major, true
}

func getProxy(proxy string) func(*http.Request) (*url.URL, error) {
	if len(proxy) > 0 {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			log.WithError(err).Error("bad proxy url")
		}
		return http.ProxyURL(proxyURL)
	}
	return http.ProxyFromEnvironment
}
