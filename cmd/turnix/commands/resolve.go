package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/turnix/turnix/internal/config"
	"github.com/turnix/turnix/internal/packs"
)

var (
	resolveDir      string
	resolveRoot     string
	resolveRepoRoot string
	resolveAppPack  string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Scan content roots and print pack discovery / activation results",
	Long: `Scans every content root (spec §4.2), prints the discovered pack
registry, and, if --app is given, the activation plan for that app pack.
Performs no writes and starts no server.`,
	RunE: runResolve,
}

func init() {
	resolveCmd.Flags().StringVar(&resolveDir, "directory", "", "Working directory for project config")
	resolveCmd.Flags().StringVar(&resolveRoot, "root", "", "CLI-supplied content root")
	resolveCmd.Flags().StringVar(&resolveRepoRoot, "repo-root", "", "Repository content root")
	resolveCmd.Flags().StringVar(&resolveAppPack, "app", "", "appPackId (packTreeId) to print an activation plan for")
}

type descriptorView struct {
	Kind     string `json:"kind"`
	Author   string `json:"author"`
	PackTree string `json:"packTreeId"`
	Version  string `json:"version"`
	Layer    string `json:"layer"`
	Root     string `json:"packRoot"`
}

type planEntryView struct {
	Reason   string `json:"reason"`
	Required bool   `json:"required"`
	Depth    int    `json:"depth"`
	descriptorView
}

func runResolve(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(resolveDir)
	if err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	repoRoot := resolveRepoRoot
	if repoRoot == "" {
		repoRoot = workDir
	}

	eng, err := buildEngine(cfg, resolveRoot, repoRoot)
	if err != nil {
		return err
	}

	if resolveAppPack == "" {
		return printDiscovered(eng.packs)
	}
	return printActivationPlan(eng.packs, resolveAppPack)
}

func printDiscovered(reg *packs.Registry) error {
	var out []descriptorView
	for _, d := range reg.All() {
		out = append(out, toDescriptorView(d))
	}
	return printJSON(map[string]any{"packs": out, "count": len(out)})
}

func printActivationPlan(reg *packs.Registry, packTreeID string) error {
	candidates := reg.ByPackTreeID(packTreeID)
	if len(candidates) == 0 {
		return fmt.Errorf("resolve: no pack found with packTreeId %q", packTreeID)
	}
	root := candidates[0]

	planner := packs.NewPlanner(reg)
	entries, warnings, err := planner.Plan(root)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}

	var out []planEntryView
	for _, e := range entries {
		out = append(out, planEntryView{
			Reason:         string(e.Reason),
			Required:       e.Required,
			Depth:          e.Depth,
			descriptorView: toDescriptorView(e.Descriptor),
		})
	}

	var warnMsgs []string
	for _, w := range warnings {
		warnMsgs = append(warnMsgs, w.Error())
	}

	return printJSON(map[string]any{"plan": out, "warnings": warnMsgs})
}

func toDescriptorView(d *packs.Descriptor) descriptorView {
	return descriptorView{
		Kind:     string(d.Kind),
		Author:   d.EffectiveAuthor,
		PackTree: d.PackTreeID,
		Version:  d.EffectiveVersion,
		Layer:    string(d.Layer),
		Root:     d.PackRoot,
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
