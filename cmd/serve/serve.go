// Package serve provides the serve command.
package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zimi/zimi/cmd"
	"github.com/zimi/zimi/config"
	libhttp "github.com/zimi/zimi/lib/http"
	"github.com/zimi/zimi/library"
	"github.com/zimi/zimi/server"
	"github.com/zimi/zimi/titleindex"
	"github.com/zimi/zimi/zim"
)

var (
	port = config.DefaultPort
)

func init() {
	cmd.Root.AddCommand(Command)
	cmdFlags := Command.Flags()
	cmdFlags.IntVarP(&port, "port", "p", port, "Port to listen on")
}

// Command definition for cobra
var Command = &cobra.Command{
	Use:   "serve",
	Short: `Start the HTTP API server.`,
	Long: `
Scans the archive directory, warms the reader pools and serves the
query API, the /w/ content routes and the web shell until interrupted:

    ZIM_DIR=/data/zims zimi serve --port 8899

Set ZIMI_MANAGE=1 to enable the library management endpoints (catalog
browsing, downloads, updates and deletes).
`,
	Run: func(command *cobra.Command, args []string) {
		cmd.CheckArgs(0, 0, command, args)
		cmd.Run(command, func() error {
			return serveAPI(context.Background())
		})
	},
}

// serveAPI runs the server until SIGINT or SIGTERM.
func serveAPI(ctx context.Context) error {
	opt := config.FromEnv()
	if err := opt.EnsureDataDir(); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	driver, err := zim.ActiveDriver()
	if err != nil {
		return err
	}
	lib := library.New(opt.ZimDir, opt.DataDir, driver)
	defer lib.Close()
	if _, err := lib.LoadCache(false); err != nil {
		return fmt.Errorf("scan %q: %w", opt.ZimDir, err)
	}
	idx := titleindex.New(opt.TitleIndexDir(), lib)

	// ctx bounds the background workers; cancelled on shutdown.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := server.New(ctx, opt, lib, idx)

	cfg := libhttp.DefaultCfg()
	cfg.ListenAddr = fmt.Sprintf(":%d", port)
	srv, err := libhttp.NewServer(ctx, libhttp.WithConfig(cfg))
	if err != nil {
		return err
	}
	s.Routes(srv.Router())
	s.Startup()
	srv.Serve()
	zim.Logf(nil, "zimi v%s serving %d archives on %s", zim.Version, lib.Count(), srv.URL())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit
	zim.Logf(nil, "Signal %v received, shutting down", sig)

	cancel()
	err = srv.Shutdown()
	s.Shutdown()
	return err
}
