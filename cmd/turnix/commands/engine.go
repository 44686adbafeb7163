package commands

import (
	"github.com/turnix/turnix/internal/capability"
	"github.com/turnix/turnix/internal/config"
	"github.com/turnix/turnix/internal/logging"
	"github.com/turnix/turnix/internal/memory"
	"github.com/turnix/turnix/internal/packs"
	"github.com/turnix/turnix/internal/permission"
	"github.com/turnix/turnix/internal/tracing"
	"github.com/turnix/turnix/internal/view"
)

// defaultNamespaces maps memory key prefixes to the layer that owns them:
// "session." and "chat." resolve to the session layer, "runtime." to the
// runtime layer.
func defaultNamespaces() map[string]string {
	return map[string]string{
		"session": "session",
		"runtime": "runtime",
		"chat":    "session",
	}
}

// engine bundles the process-global services every command needs: the
// assembled content roots, the pack registry populated from a first scan,
// and the permission/capability/view/tracing singletons threaded through
// the HTTP surface (spec §5, "shared state policy").
type engine struct {
	cfg    *config.Config
	roots  *packs.RootsService
	packs  *packs.Registry
	perms  *permission.Manager
	caps   *capability.Registry
	views  *view.Registry
	hub    *tracing.Hub
	tracer *tracing.Tracer
	mem    *memory.Resolver
}

// buildEngine assembles every process-global service from cfg and flags.
// cliRoot/repoRoot follow spec §4.2's root priority: CLI root first
// (created if absent), then TURNIX_ROOT (folded into cfg.Roots by
// config.Load), then present OS user dirs, then the repository root last
// (must already exist with all five standard subdirectories).
func buildEngine(cfg *config.Config, cliRoot, repoRoot string) (*engine, error) {
	paths := config.GetPaths()
	osUserDirs := []string{paths.Data, paths.Config}

	roots, err := packs.AssembleRoots(cliRoot, cfg.Roots.CLIRoot, osUserDirs, repoRoot)
	if err != nil {
		return nil, err
	}

	descs, err := packs.NewDiscovery(roots).Scan()
	if err != nil {
		return nil, err
	}
	reg := packs.NewRegistry()
	for _, d := range descs {
		if err := reg.Add(d); err != nil {
			logging.Warn().Err(err).Msg("turnix: duplicate pack discovered, skipping")
		}
	}

	hub := tracing.NewHub(0)
	tracer := tracing.NewTracer(hub)

	caps := capability.NewRegistry()
	if err := caps.RegisterInstance("trace.stream@1", tracing.NewStreamCapability(hub)); err != nil {
		return nil, err
	}

	return &engine{
		cfg:    cfg,
		roots:  roots,
		packs:  reg,
		perms:  permission.NewManager(),
		caps:   caps,
		views:  view.NewRegistry(view.WithTracer(tracer)),
		hub:    hub,
		tracer: tracer,
		mem:    memory.NewResolver(defaultNamespaces()),
	}, nil
}
