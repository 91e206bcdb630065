// Command drmctl is the DRM audio controller's CLI: serve runs the
// controller's command dispatch loop, keygen generates secrets-table key
// material.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "drmctl",
	Short: "DRM audio controller",
	Long: `drmctl runs the audio DRM controller's command dispatch loop: login,
logout, query, share, play, and digital-out handling against a
build-provisioned secrets table and a simulated hardware backend.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to runtime configuration file (YAML)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(keygenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
