package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/llmgate/internal/logger"
	"github.com/jmylchreest/llmgate/internal/output"
	"github.com/jmylchreest/llmgate/pkg/llm"
)

var invokeCmd = &cobra.Command{
	Use:   "invoke",
	Short: "Send a conversation to a model",
	Long: `Send a canonical conversation to the backend serving its model.

The request file holds the conversation as JSON:

  {
    "model": "claude-sonnet",
    "system": "Be brief.",
    "messages": [{"role": "user", "content": [{"text": "Hello"}]}]
  }

With --stream, jsonl and text formats print events as they arrive; json
and yaml print the assembled response once the stream ends.

Examples:
  llmgate invoke -f request.json --caller team-a
  cat request.json | llmgate invoke -f - --stream --format text
  llmgate invoke -f request.json -m gemini-flash --format yaml`,
	RunE: runInvoke,
}

func init() {
	rootCmd.AddCommand(invokeCmd)

	flags := invokeCmd.Flags()
	flags.StringP("file", "f", "", "request file, or - for stdin (required)")
	flags.StringP("model", "m", "", "override the request model")
	flags.String("caller", "", "caller id usage is charged to")
	flags.Bool("stream", false, "stream the response")
	flags.String("format", "json", "output format: json, jsonl, yaml, text")
	flags.StringP("output", "o", "", "output file (default: stdout)")

	_ = invokeCmd.MarkFlagRequired("file")
}

func runInvoke(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	path, _ := cmd.Flags().GetString("file")
	req, err := readRequest(cmd.InOrStdin(), path)
	if err != nil {
		return err
	}
	if m, _ := cmd.Flags().GetString("model"); m != "" {
		req.Model = m
	}
	stream, _ := cmd.Flags().GetBool("stream")
	req.Stream = req.Stream || stream
	caller, _ := cmd.Flags().GetString("caller")

	formatStr, _ := cmd.Flags().GetString("format")
	format, err := output.ParseFormat(formatStr)
	if err != nil {
		return err
	}

	dst, closeDst, err := openOutput(cmd, "output")
	if err != nil {
		return err
	}
	defer closeDst()

	w, err := output.NewWriter(dst, format)
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	a, err := openApp(ctx, cfg, wantParts{gateway: true})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	logger.Debug("invoking", "model", req.Model, "caller", caller, "stream", req.Stream, "messages", len(req.Messages))

	if !req.Stream {
		resp, err := a.gateway.Converse(ctx, caller, req)
		if err != nil {
			return err
		}
		return w.Write(resp)
	}
	return streamInvoke(ctx, a, caller, req, w, format)
}

func streamInvoke(ctx context.Context, a *app, caller string, req *llm.Request, w output.Writer, format output.Format) error {
	events, err := a.gateway.ConverseStream(ctx, caller, req)
	if err != nil {
		return err
	}

	acc := llm.NewAccumulator()
	for ev := range events {
		if err := acc.Add(ev); err != nil {
			logger.Warn("stream assembly failed", "error", err)
		}
		if format.Streams() {
			if err := w.Write(ev); err != nil {
				return err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if format.Streams() {
		return acc.Err()
	}
	resp, err := acc.Response()
	if err != nil {
		return err
	}
	return w.Write(resp)
}

func readRequest(stdin io.Reader, path string) (*llm.Request, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path) //#nosec G304
		if err != nil {
			return nil, fmt.Errorf("open request: %w", err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var req llm.Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	return &req, nil
}

// openOutput returns the destination named by the flag, or stdout.
func openOutput(cmd *cobra.Command, flag string) (io.Writer, func(), error) {
	path, _ := cmd.Flags().GetString(flag)
	if path == "" {
		return cmd.OutOrStdout(), func() {}, nil
	}
	f, err := os.Create(path) //#nosec G304
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}
