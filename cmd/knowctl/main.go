// Package main implements knowctl, a command-line client for the knowd HTTP API.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	api "github.com/fyrsmithlabs/knowd/internal/http"
	"github.com/fyrsmithlabs/knowd/internal/orchestrator"
)

var (
	serverURL  string
	token      string
	timeout    time.Duration
	outputJSON bool
	stream     bool
	limit      int

	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "knowctl",
	Short: "CLI for the knowd HTTP API",
	Long: `knowctl is a command-line interface for a running knowd server.

The bearer token is read from --token or KNOWD_TOKEN.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("KNOWD_SERVER", "http://127.0.0.1:8000"), "knowd server URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("KNOWD_TOKEN"), "tenant bearer token")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output results as JSON")

	askCmd.Flags().BoolVar(&stream, "stream", false, "Show progress while the question is answered")
	historyCmd.Flags().IntVar(&limit, "limit", 0, "Maximum turns to show (server default 50)")

	rootCmd.AddCommand(healthCmd, askCmd, uploadCmd, addURLCmd, infoCmd, historyCmd, clearHistoryCmd, clearKnowledgeCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newClient() *Client {
	return NewClient(serverURL, token, timeout)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check knowd server health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := newClient().Health(cmd.Context())
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), h)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\nServer Version: %s\nServer URL: %s\n", h.Status, h.Version, serverURL)
		return nil
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question",
	Long: `Ask a question. knowd answers from your knowledge base and falls back to
web search when it is not enough.

Examples:
  knowctl ask "How does the Go scheduler work?"
  knowctl ask --stream "What causes ocean tides?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		c := newClient()

		var (
			res *api.AskResponse
			err error
		)
		if stream {
			res, err = c.AskStream(cmd.Context(), question, func(p orchestrator.PhaseResult) {
				if !outputJSON {
					fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %s\n", p.Phase, p.Status)
				}
			})
		} else {
			res, err = c.Ask(cmd.Context(), question)
		}
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		printAnswer(cmd.OutOrStdout(), res)
		return nil
	},
}

func printAnswer(w io.Writer, res *api.AskResponse) {
	fmt.Fprintln(w, res.Answer)
	if len(res.Sources) > 0 {
		fmt.Fprintln(w, "\nSources:")
		for i, s := range res.Sources {
			if s.Title != "" {
				fmt.Fprintf(w, "  [%d] %s (%s)\n", i+1, s.Title, s.Ref)
			} else {
				fmt.Fprintf(w, "  [%d] %s\n", i+1, s.Ref)
			}
		}
	}
	fmt.Fprintf(w, "\n(%s", res.Decision)
	if res.Indexed > 0 {
		fmt.Fprintf(w, ", %d web results indexed", res.Indexed)
	}
	fmt.Fprintln(w, ")")
}

func printUpload(cmd *cobra.Command, res *api.UploadResponse) error {
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Message)
	if res.Redactions > 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "[knowctl] %d secret(s) redacted before indexing\n", res.Redactions)
	}
	return nil
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload PDF, DOCX, text or Markdown files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		for _, path := range args {
			res, err := c.UploadFile(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if err := printUpload(cmd, res); err != nil {
				return err
			}
		}
		return nil
	},
}

var addURLCmd = &cobra.Command{
	Use:   "add-url <url>",
	Short: "Fetch a web page into the knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := newClient().AddURL(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printUpload(cmd, res)
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show knowledge base size",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := newClient().Info(cmd.Context())
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), info)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Tenant:     %s\nCollection: %s\nChunks:     %d\n", info.TenantID, info.Collection, info.Chunks)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent questions and answers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := newClient().History(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), h)
		}
		if len(h.Turns) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No history")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tROLE\tDECISION\tMESSAGE")
		for _, t := range h.Turns {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				t.CreatedAt.Local().Format(time.DateTime), t.Role, t.Metadata.Decision, oneLine(t.Content, 80))
		}
		return w.Flush()
	},
}

var clearHistoryCmd = &cobra.Command{
	Use:   "clear-history",
	Short: "Delete your conversation history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().ClearHistory(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "History cleared")
		return nil
	},
}

var clearKnowledgeCmd = &cobra.Command{
	Use:   "clear-knowledge",
	Short: "Delete every document in your knowledge base",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().ClearKnowledge(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Knowledge base cleared")
		return nil
	},
}

// oneLine collapses whitespace and truncates s to n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
