package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/automerge/automerge-go"

	"github.com/coscribe/coscribe/pkg/doctree"
	"github.com/coscribe/coscribe/pkg/replica"
	"github.com/coscribe/coscribe/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	renderVar := flag.Bool("render", false, "render the tree and change history to svg files")
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the snapshot file to read")
	}
	buff, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}

	rep, err := replica.Load(buff)
	if err != nil {
		return err
	}
	slog.Info("loaded snapshot", "heads", rep.Version(), "runes", rep.Len())

	text := rep.Text()
	fmt.Println(text)

	root, err := doctree.NewMerger().Build(doctree.FromText(text))
	if err != nil {
		return fmt.Errorf("failed to derive tree: %w", err)
	}
	doctree.NewIdentityMap().AssignAllMissing(root)
	fmt.Print(root.String())

	doc, err := automerge.Load(buff)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	for i, change := range changes {
		slog.Info("change", "i", fmt.Sprintf("%4d", i), "hash", change.Hash(), "actor", change.ActorID(), "dep", change.Dependencies())
	}

	if *renderVar {
		if svgPath, err := viz.RenderTreeToTemp(root); err != nil {
			slog.Error("failed to render tree", "err", err)
		} else {
			slog.Info("rendered tree", "path", "file://"+svgPath)
		}
		histPath := flag.Arg(0) + ".history.svg"
		if err := viz.RenderHistoryToSvg(doc, "content", histPath); err != nil {
			slog.Error("failed to render history", "err", err)
		} else {
			slog.Info("rendered history", "path", "file://"+histPath)
		}
	}
	return nil
}
