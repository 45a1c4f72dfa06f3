package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kulogix/webmodeldelivery/pkg/console"
	"github.com/kulogix/webmodeldelivery/pkg/global"
)

func setPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolVarP(&global.Verbose, "verbose", "v", false, "Verbose output")
}

func persistentPreRun(cmd *cobra.Command, args []string) {
	if global.Verbose {
		console.SetLevel(console.DebugLevel)
	}
	cmd.SilenceUsage = true
}

// NewPackRootCommand builds the root command for cmd/pack.
func NewPackRootCommand() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:              "pack",
		Short:            "Build content-addressed model packages for CDN delivery",
		Version:          fmt.Sprintf("%s (built %s)", global.Version, global.BuildTime),
		PersistentPreRun: persistentPreRun,
		SilenceErrors:    true,
	}
	setPersistentFlags(rootCmd)
	rootCmd.AddCommand(newPackCommand())
	return rootCmd, nil
}

// NewModelPullRootCommand builds the root command for cmd/modelpull.
func NewModelPullRootCommand() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:              "modelpull",
		Short:            "Download model package files from a CDN, S3 bucket, or local directory",
		Version:          fmt.Sprintf("%s (built %s)", global.Version, global.BuildTime),
		PersistentPreRun: persistentPreRun,
		SilenceErrors:    true,
	}
	setPersistentFlags(rootCmd)
	rootCmd.AddCommand(newModelPullCommand())
	return rootCmd, nil
}
