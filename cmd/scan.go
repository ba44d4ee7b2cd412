package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sightline-dev/sightline/internal/dom"
	"github.com/sightline-dev/sightline/internal/event"
	"github.com/sightline-dev/sightline/internal/hosts"
	"github.com/sightline-dev/sightline/internal/overlay"
	"github.com/sightline-dev/sightline/internal/progress"
)

var (
	scanOut     string
	scanTimeout time.Duration
)

var scanCmd = &cobra.Command{
	Use:   "scan [globs...]",
	Short: "Run the overlay pipeline offline over saved HTML pages",
	Long: `Runs the same locate/resolve/annotate pipeline the session endpoint runs,
but over saved HTML pages matched by doublestar globs, without viewport
gating, and writes a per-page annotation report.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanOut, "out", "", "write the YAML report to a file instead of stdout")
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 10*time.Second, "per-page annotation deadline")
	rootCmd.AddCommand(scanCmd)
}

// pageReport is one page's worth of the scan report.
type pageReport struct {
	Page      string         `yaml:"page"`
	URL       string         `yaml:"url"`
	Documents []string       `yaml:"documents,omitempty"`
	Patches   map[string]int `yaml:"patches,omitempty"`
	Error     string         `yaml:"error,omitempty"`
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("building host registry: %w", err)
	}

	be, cache, err := newBackend(cfg)
	if err != nil {
		return err
	}
	defer cache.Close()

	var pages []string
	for _, pattern := range args {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return fmt.Errorf("bad glob %q: %w", pattern, err)
		}
		pages = append(pages, matches...)
	}
	sort.Strings(pages)
	if len(pages) == 0 {
		return fmt.Errorf("no pages match %v", args)
	}
	if verbose {
		fmt.Fprintf(os.Stderr, "Scanning %d pages against %s\n", len(pages), cfg.BackendURL)
	}

	reporter := progress.NewReporter("Scanning pages")
	reporter.Start(len(pages))

	report := make([]pageReport, 0, len(pages))
	for i, page := range pages {
		reporter.Update(i+1, page)
		report = append(report, scanPage(cmd.Context(), registry, be, page))
	}
	reporter.Finish()

	data, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshalling report: %w", err)
	}
	if scanOut == "" {
		fmt.Print(string(data))
		return nil
	}
	if err := os.WriteFile(scanOut, data, 0644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Report written to %s\n", scanOut)
	return nil
}

// scanPage drives one page through the pipeline: parse, run the overlay
// engine without viewport gating, wait for annotation to settle, then
// unload and tally.
func scanPage(ctx context.Context, registry *hosts.Registry, be overlay.Backend, page string) pageReport {
	rep := pageReport{Page: page, Patches: map[string]int{}}

	raw, err := os.ReadFile(page)
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	doc, err := dom.ParseString(string(raw))
	if err != nil {
		rep.Error = fmt.Sprintf("parse: %v", err)
		return rep
	}

	// Saved pages carry their origin URL the same way live pages do; fall
	// back to the file path for fixtures that don't.
	if b := doc.Body(); b != nil {
		rep.URL = b.AttrOr("data-sightline-url", "")
	}
	if rep.URL == "" {
		abs, _ := filepath.Abs(page)
		rep.URL = "file://" + abs
	}

	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	var mu sync.Mutex
	bus := event.NewBus()
	ctrl := overlay.New(doc, registry, be, func(p event.Patch) {
		mu.Lock()
		rep.Patches[patchName(p)]++
		mu.Unlock()
	}, overlay.WithoutViewportGating())

	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx, bus, rep.URL) }()

	runErr, ended := waitSettled(ctx, done, ctrl)
	if !ended {
		// Unload ends the reducer loop, which is all of Run.
		bus.Publish(event.Unload{})
		bus.Close()
		runErr = <-done
	} else {
		bus.Close()
	}

	if runErr != nil && ctx.Err() == nil {
		rep.Error = runErr.Error()
	}
	rep.Documents = ctrl.VisibleDocuments()
	return rep
}

// waitSettled waits until the set of visible documents is stable for a few
// ticks, the run ends on its own, or the deadline passes. The pipeline is
// event-driven with no "all views activated" signal, so stability is the
// best available notion of done.
func waitSettled(ctx context.Context, done <-chan error, ctrl *overlay.Controller) (error, bool) {
	const window = 4 // consecutive unchanged ticks
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	last := -1
	stable := 0
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case err := <-done:
			return err, true
		case <-ticker.C:
			n := len(ctrl.VisibleDocuments())
			if n == last {
				if stable++; stable >= window {
					return nil, false
				}
			} else {
				last, stable = n, 0
			}
		}
	}
}

// patchName maps a patch to its report key.
func patchName(p event.Patch) string {
	switch p.(type) {
	case event.Observe:
		return "observe"
	case event.ReplaceNode:
		return "replace-node"
	case event.MountToolbar:
		return "mount-toolbar"
	case event.Hover:
		return "hover"
	case event.ClearHover:
		return "clear-hover"
	case event.Navigate:
		return "navigate"
	default:
		return fmt.Sprintf("%T", p)
	}
}
