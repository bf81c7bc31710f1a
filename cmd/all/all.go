// Package all imports all the commands
package all

import (
	// Active commands
	_ "github.com/zimi/zimi/cmd"
	_ "github.com/zimi/zimi/cmd/list"
	_ "github.com/zimi/zimi/cmd/read"
	_ "github.com/zimi/zimi/cmd/search"
	_ "github.com/zimi/zimi/cmd/serve"
	_ "github.com/zimi/zimi/cmd/suggest"
	_ "github.com/zimi/zimi/cmd/version"
)
