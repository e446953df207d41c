// Command p11cert manages the X.509 certificate objects of a PKCS#11 token.
package main

import (
	"log"
	"os"

	"github.com/niclabs/p11cert/cmd/p11cert/internal/commands"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "p11cert",
		Short: "Manage X.509 certificates on a PKCS#11 token",
		Long: `p11cert lists, finds, stores and removes X.509 certificate objects on a
PKCS#11 token. The module, token and PIN are read from the configuration
file, and can be overridden with P11CERT_ prefixed environment variables.`,
		SilenceUsage: true,
	}
	commands.InitCertificateCommands(rootCmd, commands.NewCertificateCommandHandler(nil))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.SetOutput(os.Stderr)
}
