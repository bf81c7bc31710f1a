// Package list provides the list command.
package list

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zimi/zimi/cmd"
)

func init() {
	cmd.Root.AddCommand(commandDefinition)
}

var commandDefinition = &cobra.Command{
	Use:   "list",
	Short: `List the installed archives.`,
	Long: `
Scans the archive directory and prints one line per archive with its
short name, size, entry count and file name:

    $ zimi list
      wikipedia                                    98 GB       6,400,000 entries  (wikipedia_en_all_2024-03.zim)
      askubuntu                                   4.5 GB       1,203,421 entries  (askubuntu.com_en_all.zim)
`,
	Run: func(command *cobra.Command, args []string) {
		cmd.CheckArgs(0, 0, command, args)
		cmd.Run(command, func() error {
			lib, _ := cmd.NewLibrary()
			defer lib.Close()

			for _, a := range lib.Archives() {
				entries := a.Entries
				if entries < 0 {
					entries = 0
				}
				fmt.Printf("  %-40s %10s  %14s entries  (%s)\n",
					a.Name, humanize.Bytes(uint64(a.Size)), humanize.Comma(int64(entries)), a.Filename)
			}
			return nil
		})
	},
}
