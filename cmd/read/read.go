// Package read provides the read command.
package read

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zimi/zimi/article"
	"github.com/zimi/zimi/cmd"
)

var (
	maxLength = article.MaxContentLength
)

func init() {
	cmd.Root.AddCommand(commandDefinition)
	cmdFlags := commandDefinition.Flags()
	cmdFlags.IntVarP(&maxLength, "max-length", "", maxLength, "Maximum characters of article text to print")
}

var commandDefinition = &cobra.Command{
	Use:   "read <zim> <path>",
	Short: `Read an article as plain text.`,
	Long: `
Loads the article at path from the named archive, strips the markup and
prints the text, e.g.

    zimi read wikipedia A/Albert_Einstein

The output is a title line, a source line and the article body, so it
can be piped straight into a pager or an LLM prompt.
`,
	Run: func(command *cobra.Command, args []string) {
		cmd.CheckArgs(2, 2, command, args)
		cmd.Run(command, func() error {
			lib, _ := cmd.NewLibrary()
			defer lib.Close()

			result, err := article.Read(lib, args[0], args[1], maxLength)
			if err != nil {
				return err
			}
			fmt.Printf("# %s\n", result.Title)
			fmt.Printf("Source: %s / %s\n", result.Zim, result.Path)
			if result.Truncated {
				fmt.Printf("(Showing %d of %d chars)\n", len([]rune(result.Content)), result.FullLength)
			}
			fmt.Println()
			fmt.Println(result.Content)
			return nil
		})
	},
}
