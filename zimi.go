// Serve a directory of ZIM archives as an offline knowledge base
package main

import (
	"github.com/zimi/zimi/cmd"
	_ "github.com/zimi/zimi/cmd/all" // import all commands
)

func main() {
	cmd.Main()
}
