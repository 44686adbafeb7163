package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/turnix/turnix/internal/config"
	"github.com/turnix/turnix/internal/logging"
	"github.com/turnix/turnix/internal/server"
)

var (
	servePort     int
	serveHostname string
	serveDir      string
	serveRoot     string
	serveRepoRoot string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Turnix engine and HTTP/WebSocket surface",
	Long: `Start Turnix as a server exposing the /api/bootstrap, /views/.../mods
HTTP endpoints and the /ws and /ws/trace WebSocket channels (spec §6).`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "", "Hostname to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory for project config (.turnix/turnix.json)")
	serveCmd.Flags().StringVar(&serveRoot, "root", "", "CLI-supplied content root (created if absent)")
	serveCmd.Flags().StringVar(&serveRepoRoot, "repo-root", "", "Repository content root; must already contain first-party/third-party/custom/userdata/saves")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	logging.Info().Str("version", Version).Msg("starting turnix")
	logging.Info().Str("directory", workDir).Msg("working directory")

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return fmt.Errorf("ensure data directories: %w", err)
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	repoRoot := serveRepoRoot
	if repoRoot == "" {
		repoRoot = workDir
	}

	eng, err := buildEngine(cfg, serveRoot, repoRoot)
	if err != nil {
		return fmt.Errorf("assemble content roots: %w", err)
	}

	serverCfg := server.DefaultConfig()
	serverCfg.Port = cfg.Server.Port
	if servePort != 0 {
		serverCfg.Port = servePort
	}
	serverCfg.CookieSecure = cfg.Server.CookieSecure

	hostname := cfg.Server.Host
	if serveHostname != "" {
		hostname = serveHostname
	}
	serverCfg.Host = hostname

	srv := server.New(serverCfg, server.Deps{
		Views:        eng.views,
		Capabilities: eng.caps,
		Permissions:  eng.perms,
		Packs:        eng.packs,
		Roots:        eng.roots,
		Tracer:       eng.tracer,
	})

	go func() {
		logging.Info().
			Str("hostname", hostname).
			Int("port", serverCfg.Port).
			Str("url", fmt.Sprintf("http://%s:%d", hostname, serverCfg.Port)).
			Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}

	logging.Info().Msg("server stopped")
	return nil
}
