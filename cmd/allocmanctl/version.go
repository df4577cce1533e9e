package main

import (
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Set through -ldflags at release time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const libraryPath = "github.com/joshuapare/allocman"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printInfo("allocmanctl %s\n", version)
		printInfo("  commit: %s\n", commit)
		printInfo("  built: %s\n", date)
		if info, ok := debug.ReadBuildInfo(); ok {
			printInfo("  go: %s\n", info.GoVersion)
			printInfo("  allocman: %s\n", libraryVersion(info))
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

// libraryVersion reports the allocman module this binary was built against.
// A replace directive shows up as the replacement's path.
func libraryVersion(info *debug.BuildInfo) string {
	for _, dep := range info.Deps {
		if dep.Path != libraryPath {
			continue
		}
		if dep.Replace != nil {
			if dep.Replace.Version != "" {
				return dep.Replace.Version
			}
			return dep.Replace.Path + " (local)"
		}
		return dep.Version
	}
	return "unknown"
}
