package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set via -ldflags "-X .../commands.version=..." at build time.
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("tocmemoryd " + version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
