// Package viz renders debugging pictures: the node tree of a document, and
// the change history DAG of the underlying replica.
package viz

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/coscribe/coscribe/pkg/doctree"
)

// RenderTreeToSvg draws the document tree with one graph node per tree node,
// labelled with its type, identity, and any leaf text.
func RenderTreeToSvg(root *doctree.Node, outputPath string) error {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}

	var counter int
	var addNode func(n *doctree.Node) (*cgraph.Node, error)
	addNode = func(n *doctree.Node) (*cgraph.Node, error) {
		counter++
		gn, err := graph.CreateNode(strconv.Itoa(counter))
		if err != nil {
			return nil, fmt.Errorf("failed to create node: %w", err)
		}
		gn.SetLabel(nodeLabel(n))
		for _, c := range n.Children {
			cn, err := addNode(c)
			if err != nil {
				return nil, err
			}
			counter++
			if _, err := graph.CreateEdge(strconv.Itoa(counter), gn, cn); err != nil {
				return nil, fmt.Errorf("failed to create edge: %w", err)
			}
		}
		return gn, nil
	}
	if _, err := addNode(root); err != nil {
		return err
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}

	if err := os.WriteFile(outputPath, buff.Bytes(), os.ModePerm); err != nil {
		return fmt.Errorf("failed to write")
	}
	return nil
}

func nodeLabel(n *doctree.Node) string {
	id := n.StableID
	if len(id) > 8 {
		id = id[:8]
	}
	if n.IsLeaf() && n.Text != "" {
		return fmt.Sprintf("%s %s %q", n.Type, id, n.Text)
	}
	return fmt.Sprintf("%s %s", n.Type, id)
}

// RenderHistoryToSvg draws the change DAG of a document, labelling each
// change with the text content as of that change.
func RenderHistoryToSvg(doc *automerge.Doc, contentKey string, outputPath string) error {
	g := graphviz.New()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodeMap := make(map[string]*cgraph.Node)
	var edgeCounter int
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		text := ""
		if t, err := docAt.Path(contentKey).Text().Get(); err == nil {
			text = t
		}

		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s %s@%d %q", change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), text))
		nodeMap[n.Name()] = n

		for _, hash := range change.Dependencies() {
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), nodeMap[hash.String()], n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}

	if err := os.WriteFile(outputPath, buff.Bytes(), os.ModePerm); err != nil {
		return fmt.Errorf("failed to write")
	}
	return nil
}

// RenderTreeToTemp renders the tree to a fresh file under the temp dir and
// returns its path.
func RenderTreeToTemp(root *doctree.Node) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderTreeToSvg(root, tf); err != nil {
		return "", err
	}
	return tf, nil
}
