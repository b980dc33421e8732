package cli

import (
	"fmt"
	"io"

	"github.com/picklr-io/converge/internal/engine"
	"github.com/picklr-io/converge/internal/ir"
	"github.com/spf13/cobra"
)

var (
	graphProperties map[string]string
	graphUnits      []string
)

var graphCmd = &cobra.Command{
	Use:   "graph [file]",
	Short: "Output the reference graph in DOT format",
	Long: `Draws each unit as a cluster of the resources it creates, with an edge
from every resource to the resources it references. Pipe the output to 'dot'
to generate an image:

  converge graph | dot -Tpng > graph.png`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGraph,
}

func init() {
	graphCmd.Flags().StringToStringVarP(&graphProperties, "prop", "D", nil, "Set external properties (format: key=value)")
	graphCmd.Flags().StringSliceVar(&graphUnits, "unit", nil, "Only draw the named unit (repeatable)")
}

func runGraph(cmd *cobra.Command, args []string) error {
	ws, err := loadWorkspace(cmd.Context(), args, graphProperties, graphUnits)
	if err != nil {
		return err
	}
	writeGraph(cmd.OutOrStdout(), ws.pipelines)
	return nil
}

func graphNode(unit string, k ir.Key) string {
	return fmt.Sprintf("%s/%s/%s", unit, k.Kind, k.Name)
}

func writeGraph(out io.Writer, pipelines []*engine.Pipeline) {
	fmt.Fprintln(out, "digraph converge {")
	fmt.Fprintln(out, "  rankdir = \"BT\";")
	fmt.Fprintln(out, "  node [shape = rect];")

	for i, p := range pipelines {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "  subgraph cluster_%d {\n", i)
		fmt.Fprintf(out, "    label = %q;\n", p.Name)

		type edge struct{ from, to string }
		var (
			nodes  []string
			edges  []edge
			seen   = make(map[string]bool)
			linked = make(map[edge]bool)
		)
		addNode := func(k ir.Key) string {
			id := graphNode(p.Name, ir.Key{Kind: k.Kind, Name: k.Name})
			if !seen[id] {
				seen[id] = true
				nodes = append(nodes, id)
			}
			return id
		}
		for _, s := range p.Steps {
			from := addNode(s.Target())
			for _, ref := range s.References() {
				to := addNode(ref)
				e := edge{from, to}
				if to != from && !linked[e] {
					linked[e] = true
					edges = append(edges, e)
				}
			}
		}

		for _, n := range nodes {
			fmt.Fprintf(out, "    %q [label = %q];\n", n, n[len(p.Name)+1:])
		}
		for _, e := range edges {
			fmt.Fprintf(out, "    %q -> %q;\n", e.from, e.to)
		}
		fmt.Fprintln(out, "  }")
	}
	fmt.Fprintln(out, "}")
}
