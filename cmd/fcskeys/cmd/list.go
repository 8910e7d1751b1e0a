/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/alecthomas/chroma/v2/quick"
	"github.com/apex/log"
	"github.com/blacktop/fcs-keys/internal/colors"
	"github.com/blacktop/fcs-keys/internal/commands/update"
	"github.com/blacktop/fcs-keys/internal/config"
	"github.com/blacktop/fcs-keys/internal/keys"
	"github.com/blacktop/fcs-keys/internal/ledger"
	"github.com/blacktop/fcs-keys/internal/utils"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// buildStatus summarizes one build's ledger state and stored keys.
type buildStatus struct {
	Status   string `json:"status"` // ok | failed | pending
	Attempts int    `json:"attempts,omitempty"`
	PEMs     int    `json:"pems,omitempty"`
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().String("os", "", "Only list builds for this OS")
	listCmd.Flags().StringP("build", "b", "", "Only list this build")
	listCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	listCmd.Flags().StringP("keys-dir", "k", "", "Folder holding per-build key PEMs")
	listCmd.MarkFlagDirname("keys-dir")
	viper.BindPFlag("list.os", listCmd.Flags().Lookup("os"))
	viper.BindPFlag("list.build", listCmd.Flags().Lookup("build"))
	viper.BindPFlag("list.json", listCmd.Flags().Lookup("json"))
}

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Show tracked builds, their key download state and stored PEMs",
	Example: heredoc.Doc(`
		# Show everything tracked for iOS
		❯ fcskeys list --os iOS

		# Check one build, as JSON
		❯ fcskeys list --os iOS --build 22A3354 --json
	`),
	Args:          cobra.NoArgs,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if Verbose {
			log.SetLevel(log.DebugLevel)
		}
		if cmd.Flags().Changed("color") {
			colors.Init(&Color)
		}

		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("keys-dir"); len(v) > 0 {
			conf.KeysDir = v
		}

		osFilter := viper.GetString("list.os")
		buildFilter := viper.GetString("list.build")
		store := &keys.Store{Root: conf.KeysDir}

		summary := make(map[string]map[string]buildStatus)
		for _, osName := range supportedOSes {
			if len(osFilter) > 0 && osName != osFilter {
				continue
			}
			builds := make(map[string]buildStatus)
			for _, purpose := range []string{update.KeyLogPurpose, update.PemLogPurpose} {
				led, err := ledger.Open(ledger.Path(conf.LogsDir, osName, purpose))
				if err != nil {
					return err
				}
				for _, build := range led.Builds() {
					if len(buildFilter) > 0 && build != buildFilter {
						continue
					}
					e, _ := led.Get(build)
					bs := builds[build]
					switch {
					case e.Terminal && e.Success:
						bs.Status = "ok"
					case e.Terminal:
						bs.Status = "failed"
					default:
						if bs.Status != "ok" && bs.Status != "failed" {
							bs.Status = "pending"
						}
						if e.Attempts > bs.Attempts {
							bs.Attempts = e.Attempts
						}
					}
					if pems, err := store.BuildPEMs(osName, build); err == nil {
						bs.PEMs = len(pems)
					}
					builds[build] = bs
				}
			}
			if len(builds) > 0 {
				summary[osName] = builds
			}
		}

		if viper.GetBool("list.json") {
			data, err := json.MarshalIndent(summary, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal summary: %v", err)
			}
			if colors.Enabled() {
				if err := quick.Highlight(os.Stdout, string(data)+"\n", "json", "terminal256", "nord"); err != nil {
					return fmt.Errorf("failed to highlight json: %v", err)
				}
			} else {
				fmt.Println(string(data))
			}
			return nil
		}

		if len(summary) == 0 {
			log.Warn("no tracked builds match the query (run 'fcskeys update' first)")
			return nil
		}

		for osName, builds := range summary {
			name := osName
			if colors.Enabled() {
				name = colors.Bold().Sprint(osName)
			}
			log.Infof("%s (%d builds)", name, len(builds))
			for _, build := range sortedBuilds(builds) {
				bs := builds[build]
				line := fmt.Sprintf("%-12s %s", build, statusLabel(bs.Status))
				if bs.Status == "pending" {
					line += fmt.Sprintf(" (%d attempts)", bs.Attempts)
				}
				if bs.PEMs > 0 {
					line += fmt.Sprintf(", %d PEM(s)", bs.PEMs)
				}
				utils.Indent(log.Info, 2)(line)
			}
		}

		if fi, err := os.Stat(conf.Database); err == nil {
			log.WithFields(log.Fields{
				"size": humanize.Bytes(uint64(fi.Size())),
			}).Infof("consolidated database: %s", conf.Database)
		}

		return nil
	},
}

func statusLabel(status string) string {
	if !colors.Enabled() {
		return status
	}
	switch status {
	case "ok":
		return colors.Green().Sprint(status)
	case "failed":
		return colors.Red().Sprint(status)
	default:
		return colors.Yellow().Sprint(status)
	}
}

func sortedBuilds(m map[string]buildStatus) []string {
	builds := make([]string, 0, len(m))
	for build := range m {
		builds = append(builds, build)
	}
	sort.Strings(builds)
	return builds
}
