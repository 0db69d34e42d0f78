package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/coscribe/coscribe/pkg/doctree"
	"github.com/coscribe/coscribe/pkg/session"
	"github.com/coscribe/coscribe/pkg/textpos"
	"github.com/coscribe/coscribe/pkg/viz"
)

var words = []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel"}

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8080", "the relay address to connect to")
	docVar := flag.String("doc", "default", "the document id to edit")
	nameVar := flag.String("name", fmt.Sprintf("agent-%d", os.Getpid()), "the display name broadcast with presence")
	flag.Parse()

	host := session.NewMemoryHost(nil)
	s, err := session.New(session.Config{
		URL:   fmt.Sprintf("ws://%s/docs/%s/ws", *addrVar, *docVar),
		DocID: *docVar,
		Host:  host,
		Meta:  map[string]string{"name": *nameVar},
	})
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range s.Cursors() {
			if c.Offset != nil {
				slog.Info("last seen peer", "peer", c.PeerID, "name", c.Meta["name"], "offset", *c.Offset)
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("session ended", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		editRandomlyContinuously(ctx, host, s, doctree.NewIdentityMap())
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	wg.Wait()

	tf := filepath.Join(os.TempDir(), *nameVar+".doc")
	if err := os.WriteFile(tf, s.Snapshot(), 0o644); err != nil {
		return err
	}
	slog.Info("dumped", "dump", tf)

	if svgPath, err := viz.RenderTreeToTemp(host.Root()); err != nil {
		slog.Error("failed to render", "err", err)
	} else {
		slog.Info("rendered", "path", "file://"+svgPath)
	}
	return nil
}

// editRandomlyContinuously appends words to random paragraphs, occasionally
// starting a new one, and keeps the broadcast selection on the edit point.
func editRandomlyContinuously(ctx context.Context, host *session.MemoryHost, s *session.Session, ids *doctree.IdentityMap) {
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			var at textpos.Position
			host.Mutate(func(root *doctree.Node) {
				at = appendWord(root, words[rand.Intn(len(words))], ids)
			})
			s.UpdateSelection(at, at)
			slog.Info("edited", "text", s.Text())
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled edits")
			return
		}
	}
}

// appendWord extends a random paragraph, or opens a new one roughly a quarter
// of the time, and returns the position just after the inserted word.
func appendWord(root *doctree.Node, word string, ids *doctree.IdentityMap) textpos.Position {
	if len(root.Children) == 0 || rand.Intn(4) == 0 {
		leaf := doctree.NewText(word)
		root.Children = append(root.Children, doctree.NewContainer(doctree.TypeParagraph, leaf))
		return textpos.Position{StableID: ids.EnsureID(leaf), Offset: len([]rune(word))}
	}
	para := root.Children[rand.Intn(len(root.Children))]
	var leaf *doctree.Node
	for _, c := range para.Children {
		if c.Type == doctree.TypeText {
			leaf = c
		}
	}
	if leaf == nil {
		leaf = doctree.NewText("")
		para.Children = append(para.Children, leaf)
	}
	if leaf.Text != "" {
		leaf.Text += " "
	}
	leaf.Text += word
	return textpos.Position{StableID: ids.EnsureID(leaf), Offset: len([]rune(leaf.Text))}
}
