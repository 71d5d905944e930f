package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/epcache/cmd/serve"
	"github.com/spf13/cobra"
)

const (
	Version = "1.0.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "epcache",
		Short: "eventually-persistent key-value cache",
		Long: fmt.Sprintf(`epcache (v%s)

A partitioned in-memory key-value cache with write-behind persistence,
background paging, and partition lifecycle management.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of epcache",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("epcache v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
