// Command synccore-debug is a thin CLI for hitting one node's gated debug
// endpoints: stats, export, conflicts, operations, and search-index
// inspection. Results render as static lipgloss-styled tables, except
// export, which prints indented JSON; this tool has no interactive table
// or spinner needs.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "synccore-debug: "+err.Error())
		os.Exit(1)
	}
}

type globalFlags struct {
	baseURL string
	token   string
	timeout time.Duration
}

func rootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "synccore-debug",
		Short: "Inspect a synccored node's gated debug endpoints",
	}
	cmd.PersistentFlags().StringVar(&g.baseURL, "addr", "http://localhost:8080", "synccored HTTP base address")
	cmd.PersistentFlags().StringVar(&g.token, "token", "", "Bearer token, if the node requires one")
	cmd.PersistentFlags().DurationVar(&g.timeout, "timeout", 5*time.Second, "Request timeout")

	cmd.AddCommand(
		statsCmd(g),
		exportCmd(g),
		conflictsCmd(g),
		operationsCmd(g),
		searchCmd(g),
	)
	return cmd
}

func (g *globalFlags) client() *http.Client {
	return &http.Client{Timeout: g.timeout}
}

func (g *globalFlags) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return err
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	resp, err := g.client().Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: 404 — debug endpoints are disabled on this node (debugEndpoints: false)", path)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func statsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "List open collections and their live entry counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats []collectionStats
			if err := g.getJSON("/debug/stats", &stats); err != nil {
				return err
			}
			rows := make([][]string, len(stats))
			for i, s := range stats {
				rows[i] = []string{s.MapName, humanize.Comma(int64(s.LiveEntries)), boolString(s.Indexed)}
			}
			fmt.Println(renderTable([]string{"MAP", "ENTRIES", "INDEXED"}, rows))
			return nil
		},
	}
}

type collectionStats struct {
	MapName     string `json:"mapName"`
	LiveEntries int    `json:"liveEntries"`
	Indexed     bool   `json:"indexed"`
}

func exportCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "export <mapName>",
		Short: "Dump every live record in a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var records map[string]map[string]any
			if err := g.getJSON("/debug/export/"+args[0], &records); err != nil {
				return err
			}
			out, err := json.MarshalIndent(records, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func conflictsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "Show recent conflict-resolver rejections",
		RunE: func(cmd *cobra.Command, args []string) error {
			var rejections []mergeRejection
			if err := g.getJSON("/debug/conflicts", &rejections); err != nil {
				return err
			}
			rows := make([][]string, len(rejections))
			for i, r := range rejections {
				rows[i] = []string{r.MapName, r.Key, r.RemoteNodeID, r.Reason}
			}
			fmt.Println(renderTable([]string{"MAP", "KEY", "REMOTE", "REASON"}, rows))
			return nil
		},
	}
}

func operationsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "operations",
		Short: "Show the node's pending oplog window",
		RunE: func(cmd *cobra.Command, args []string) error {
			var ops []operationWindow
			if err := g.getJSON("/debug/operations", &ops); err != nil {
				return err
			}
			rows := make([][]string, len(ops))
			for i, o := range ops {
				rows[i] = []string{
					humanize.Comma(int64(o.ID)),
					o.MapName,
					o.Key,
					o.Op,
					boolString(o.Synced),
				}
			}
			fmt.Println(renderTable([]string{"ID", "MAP", "KEY", "OP", "SYNCED"}, rows))
			return nil
		},
	}
}

type operationWindow struct {
	ID      uint64 `json:"id"`
	MapName string `json:"mapName"`
	Key     string `json:"key"`
	Op      string `json:"op"`
	Synced  bool   `json:"synced"`
}

type mergeRejection struct {
	MapName      string `json:"MapName"`
	Key          string `json:"Key"`
	RemoteNodeID string `json:"RemoteNodeID"`
	Reason       string `json:"Reason"`
}

func searchCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "search <mapName> <query>",
		Short: "Run a full-text query against a collection's BM25 index",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var hits []searchHit
			path := fmt.Sprintf("/debug/search/%s?q=%s", args[0], args[1])
			if err := g.getJSON(path, &hits); err != nil {
				return err
			}
			rows := make([][]string, len(hits))
			for i, h := range hits {
				rows[i] = []string{h.DocID, fmt.Sprintf("%.4f", h.Score)}
			}
			fmt.Println(renderTable([]string{"DOC", "SCORE"}, rows))
			return nil
		},
	}
}

type searchHit struct {
	DocID string  `json:"docId"`
	Score float64 `json:"score"`
}

func boolString(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
