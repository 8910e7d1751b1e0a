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
	"fmt"
	"strings"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/fcs-keys/internal/commands/decrypt"
	"github.com/blacktop/fcs-keys/internal/config"
	"github.com/blacktop/fcs-keys/internal/keys"
	"github.com/blacktop/fcs-keys/internal/tool"
	"github.com/blacktop/fcs-keys/internal/utils"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(decryptCmd)

	decryptCmd.Flags().StringP("output", "o", ".", "Folder to write decrypted DMGs to")
	decryptCmd.MarkFlagDirname("output")
	decryptCmd.Flags().StringArray("dmg", []string{}, fmt.Sprintf("DMG type to extract (%s); default all, can be repeated", strings.Join(decrypt.DMGTypes, ", ")))
	decryptCmd.RegisterFlagCompletionFunc("dmg", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return decrypt.DMGTypes, cobra.ShellCompDirectiveDefault
	})
	decryptCmd.Flags().String("os", "", fmt.Sprintf("Override OS auto-detection (%s)", strings.Join(supportedOSes, ", ")))
	decryptCmd.Flags().StringP("build", "b", "", "Override build ID auto-detection")
	decryptCmd.Flags().String("pem-db", "", "Explicit FCS keys JSON database to use")
	decryptCmd.Flags().Bool("prefer-db", false, "Use the consolidated database even when per-build keys exist")
	decryptCmd.Flags().StringP("keys-dir", "k", "", "Folder holding per-build key PEMs")
	decryptCmd.MarkFlagDirname("keys-dir")
	// Bind flags
	viper.BindPFlag("decrypt.output", decryptCmd.Flags().Lookup("output"))
	viper.BindPFlag("decrypt.dmg", decryptCmd.Flags().Lookup("dmg"))
	viper.BindPFlag("decrypt.os", decryptCmd.Flags().Lookup("os"))
	viper.BindPFlag("decrypt.build", decryptCmd.Flags().Lookup("build"))
	viper.BindPFlag("decrypt.pem-db", decryptCmd.Flags().Lookup("pem-db"))
	viper.BindPFlag("decrypt.prefer-db", decryptCmd.Flags().Lookup("prefer-db"))
}

// decryptCmd represents the decrypt command
var decryptCmd = &cobra.Command{
	Use:   "decrypt <IPSW>",
	Short: "Decrypt an IPSW's disk images using stored FCS keys",
	Long: heredoc.Doc(`
		Decrypt an IPSW's disk images using stored FCS keys.

		Key source precedence: an explicit --pem-db always wins; otherwise a
		populated per-build key folder under the keys dir is used (synthesized
		into a temporary database), unless --prefer-db forces the consolidated
		fcs-keys.json. DMG types the IPSW does not carry are skipped.
	`),
	Example: heredoc.Doc(`
		# Decrypt every DMG an IPSW carries
		❯ fcskeys decrypt iPhone16,2_18.0_22A5307f_Restore.ipsw

		# Only the SystemOS DMG, to a specific folder
		❯ fcskeys decrypt --dmg sys -o /tmp/decrypted firmware.ipsw

		# With an explicit key database
		❯ fcskeys decrypt --pem-db /path/to/fcs-keys.json firmware.ipsw
	`),
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {

		if Verbose {
			log.SetLevel(log.DebugLevel)
		}

		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("keys-dir"); len(v) > 0 {
			conf.KeysDir = v
		}

		osName := viper.GetString("decrypt.os")
		if len(osName) > 0 && !utils.StrSliceHas(supportedOSes, osName) {
			return fmt.Errorf("valid --os flag choices are: %v", strings.Join(supportedOSes, ", "))
		}
		dmgTypes := viper.GetStringSlice("decrypt.dmg")
		for _, dmgType := range dmgTypes {
			if !utils.StrSliceHas(decrypt.DMGTypes, dmgType) {
				return fmt.Errorf("valid --dmg flag choices are: %v", strings.Join(decrypt.DMGTypes, ", "))
			}
		}

		err = (&decrypt.Config{
			IPSW:     tool.New(conf.IpswBin, Verbose),
			Store:    &keys.Store{Root: conf.KeysDir},
			In:       args[0],
			Output:   viper.GetString("decrypt.output"),
			DMGTypes: dmgTypes,
			OS:       osName,
			Build:    viper.GetString("decrypt.build"),
			PemDB:    viper.GetString("decrypt.pem-db"),
			PreferDB: viper.GetBool("decrypt.prefer-db"),
			Database: conf.Database,
		}).Run()
		if err != nil {
			return errors.Wrap(err, "failed to decrypt IPSW")
		}

		return nil
	},
}
