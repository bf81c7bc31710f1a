// Package suggest provides the suggest command.
package suggest

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
	limit   = 10
	zimName = ""
)

func init() {
	cmd.Root.AddCommand(commandDefinition)
	cmdFlags := commandDefinition.Flags()
	cmdFlags.IntVarP(&limit, "limit", "", limit, "Maximum suggestions per archive")
	cmdFlags.StringVarP(&zimName, "zim", "", zimName, "Suggest from this archive only")
}

// item is one suggestion row, keyed by archive in the output.
type item struct {
	Path  string `json:"path"`
	Title string `json:"title"`
}

var commandDefinition = &cobra.Command{
	Use:   "suggest <query>",
	Short: `Title autocomplete across the installed archives.`,
	Long: `
Looks the query up in the title suggestion indexes and prints the
matches grouped by archive as JSON, e.g.

    zimi suggest "alber"
    zimi suggest --zim wikipedia "theory of"
`,
	Run: func(command *cobra.Command, args []string) {
		cmd.CheckArgs(1, 1, command, args)
		cmd.Run(command, func() error {
			lib, opt := cmd.NewLibrary()
			defer lib.Close()
			idx := titleindex.New(opt.TitleIndexDir(), lib)
			defer idx.Close()

			engine := search.New(lib, idx, opt.DataDir)
			var scope []string
			if zimName != "" {
				scope = []string{zimName}
			}
			result := engine.Search(context.Background(), args[0], limit, scope, true)
			grouped := map[string][]item{}
			for _, hit := range result.Results {
				grouped[hit.Zim] = append(grouped[hit.Zim], item{Path: hit.Path, Title: hit.Title})
			}
			out, err := json.MarshalIndent(grouped, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		})
	},
}
