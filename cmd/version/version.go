// Package version provides the version command.
package version

import (
	"github.com/spf13/cobra"

	"github.com/zimi/zimi/cmd"
)

func init() {
	cmd.Root.AddCommand(commandDefinition)
}

var commandDefinition = &cobra.Command{
	Use:   "version",
	Short: `Show the version number.`,
	Long: `
Show the zimi version number, the go version and the build target OS
and architecture, e.g.

    $ zimi version
    zimi v1.5.0
    - os/type: linux
    - os/arch: amd64
    - go/version: go1.17.8
`,
	Run: func(command *cobra.Command, args []string) {
		cmd.CheckArgs(0, 0, command, args)
		cmd.ShowVersion()
	},
}
