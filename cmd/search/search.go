// Package search provides the search command.
package search

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zimi/zimi/cmd"
	"github.com/zimi/zimi/search"
	"github.com/zimi/zimi/titleindex"
)

var (
	limit   = 5
	zimName = ""
)

func init() {
	cmd.Root.AddCommand(commandDefinition)
	cmdFlags := commandDefinition.Flags()
	cmdFlags.IntVarP(&limit, "limit", "", limit, "Maximum number of results")
	cmdFlags.StringVarP(&zimName, "zim", "", zimName, "Search this archive only")
}

var commandDefinition = &cobra.Command{
	Use:   "search <query>",
	Short: `Full text search across the installed archives.`,
	Long: `
Runs the query against every installed archive (or a single one with
--zim) and prints the merged ranked results as JSON, the same shape the
/search endpoint returns, e.g.

    zimi search "quantum entanglement"
    zimi search --zim wikipedia --limit 10 "speed of light"
`,
	Run: func(command *cobra.Command, args []string) {
		cmd.CheckArgs(1, 1, command, args)
		cmd.Run(command, func() error {
			lib, opt := cmd.NewLibrary()
			defer lib.Close()
			idx := titleindex.New(opt.TitleIndexDir(), lib)
			defer idx.Close()

			engine := search.New(lib, idx, opt.DataDir)
			result := engine.Search(context.Background(), args[0], limit, scope(), false)
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		})
	},
}

func scope() []string {
	if zimName == "" {
		return nil
	}
	return []string{zimName}
}
