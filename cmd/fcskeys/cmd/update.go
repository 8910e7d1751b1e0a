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
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/AlecAivazis/survey/v2/terminal"
	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/fcs-keys/internal/commands/update"
	"github.com/blacktop/fcs-keys/internal/config"
	"github.com/blacktop/fcs-keys/internal/keys"
	"github.com/blacktop/fcs-keys/internal/tool"
	"github.com/blacktop/fcs-keys/internal/utils"
	"github.com/caarlos0/ctrlc"
	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var supportedOSes = []string{"iOS", "iPadOS", "macOS"}
var supportedIndexOSes = []string{"iOS", "iPadOS"}

func init() {
	rootCmd.AddCommand(updateCmd)
	// Download behavior flags
	updateCmd.Flags().String("proxy", "", "HTTP/HTTPS proxy")
	updateCmd.Flags().Bool("insecure", false, "do not verify ssl certs")
	updateCmd.Flags().BoolP("confirm", "y", false, "do not prompt user for confirmation")
	// Command-specific flags
	updateCmd.Flags().StringArray("os", []string{}, fmt.Sprintf("Operating system to update (%s)", strings.Join(supportedOSes, ", ")))
	updateCmd.RegisterFlagCompletionFunc("os", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return supportedOSes, cobra.ShellCompDirectiveDefault
	})
	updateCmd.Flags().Int("max-attempts", 0, "Times to try a build before giving up on it")
	updateCmd.Flags().Bool("latest", false, "Only refresh fcs-keys.json with the latest releases' keys")
	updateCmd.Flags().String("index-url", "", "AppleDB index URL to crawl for per-build PEMs")
	updateCmd.Flags().Int("min-build", 0, "Minimum major build version to crawl from the index")
	updateCmd.Flags().String("appledb-dir", "", "Local AppleDB mirror folder")
	updateCmd.MarkFlagDirname("appledb-dir")
	updateCmd.Flags().StringP("keys-dir", "k", "", "Folder to store per-build key PEMs in")
	updateCmd.MarkFlagDirname("keys-dir")
	updateCmd.Flags().String("logs-dir", "", "Folder to store key logs in")
	updateCmd.MarkFlagDirname("logs-dir")
	updateCmd.Flags().String("database", "", "Consolidated fcs-keys.json database path")
	// Bind flags
	viper.BindPFlag("update.proxy", updateCmd.Flags().Lookup("proxy"))
	viper.BindPFlag("update.insecure", updateCmd.Flags().Lookup("insecure"))
	viper.BindPFlag("update.confirm", updateCmd.Flags().Lookup("confirm"))
	viper.BindPFlag("update.oses", updateCmd.Flags().Lookup("os"))
	viper.BindPFlag("update.max-attempts", updateCmd.Flags().Lookup("max-attempts"))
	viper.BindPFlag("update.latest", updateCmd.Flags().Lookup("latest"))
	viper.BindPFlag("update.index-url", updateCmd.Flags().Lookup("index-url"))
	viper.BindPFlag("update.min-build", updateCmd.Flags().Lookup("min-build"))
}

// updateCmd represents the update command
var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Crawl AppleDB and download FCS keys for every known build",
	Example: heredoc.Doc(`
		# Crawl the AppleDB mirror and index for all supported OSes
		❯ fcskeys update --confirm

		# Only refresh fcs-keys.json with the latest releases' keys
		❯ fcskeys update --latest

		# Retry harder for iOS only
		❯ fcskeys update --os iOS --max-attempts 20
	`),
	Args:          cobra.NoArgs,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if Verbose {
			log.SetLevel(log.DebugLevel)
		}

		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("appledb-dir"); len(v) > 0 {
			conf.AppleDB = v
		}
		if v, _ := cmd.Flags().GetString("keys-dir"); len(v) > 0 {
			conf.KeysDir = v
		}
		if v, _ := cmd.Flags().GetString("logs-dir"); len(v) > 0 {
			conf.LogsDir = v
		}
		if v, _ := cmd.Flags().GetString("database"); len(v) > 0 {
			conf.Database = v
		}
		for _, osName := range conf.Update.OSes {
			if !utils.StrSliceHas(supportedOSes, osName) {
				return fmt.Errorf("valid --os flag choices are: %v", strings.Join(supportedOSes, ", "))
			}
		}

		updater := update.New(&update.Config{
			IPSW:        tool.New(conf.IpswBin, Verbose),
			Store:       &keys.Store{Root: conf.KeysDir},
			Mirror:      conf.AppleDB,
			LogsDir:     conf.LogsDir,
			Database:    conf.Database,
			OSes:        conf.Update.OSes,
			MaxAttempts: conf.Update.MaxAttempts,
			IndexURL:    conf.Update.IndexURL,
			IndexOSes:   supportedIndexOSes,
			MinBuild:    conf.Update.MinBuild,
			Proxy:       viper.GetString("update.proxy"),
			Insecure:    viper.GetBool("update.insecure"),
		})

		if viper.GetBool("update.latest") {
			return updater.RefreshLatest()
		}

		if !viper.GetBool("update.confirm") {
			cont := false
			prompt := &survey.Confirm{
				Message: fmt.Sprintf("You are about to attempt FCS key downloads for every known %s build. Continue?",
					strings.Join(conf.Update.OSes, "/")),
			}
			if err := survey.AskOne(prompt, &cont); err == terminal.InterruptErr {
				log.Warn("Exiting...")
				return nil
			}
			if !cont {
				return nil
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := ctrlc.Default.Run(ctx, updater.Run); err != nil {
			if errors.As(err, &ctrlc.ErrorCtrlC{}) {
				log.Warn("Aborted... progress so far is saved in the key logs")
				return nil
			}
			return pkgerrors.Wrap(err, "failed to update FCS keys")
		}

		return nil
	},
}
