package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/thobiasn/beacon/internal/protocol"
	"github.com/thobiasn/beacon/internal/tui"
)

const requestTimeout = 5 * time.Second

func dialContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// reportFile is the YAML accepted by "report -f": a bare list of records or
// a document with a records key.
type reportFile struct {
	Records []protocol.StatusRecord `yaml:"records"`
}

func parseReportFile(data []byte) ([]protocol.StatusRecord, error) {
	var list []protocol.StatusRecord
	if err := yaml.Unmarshal(data, &list); err == nil {
		if len(list) == 0 {
			return nil, errors.New("no records")
		}
		return list, nil
	}
	var doc reportFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse records: %w", err)
	}
	if len(doc.Records) == 0 {
		return nil, errors.New("no records")
	}
	return doc.Records, nil
}

func newReportCmd(flags *clientFlags) *cobra.Command {
	var (
		file                               string
		rec                                protocol.StatusRecord
		create, runPeriodic, shutdown, cls float64
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report worker status to the agent",
		Long: `Report one worker record from flags, or many from a YAML file:

  beacon report --name arm --group lab --status "Homing" --create 0.42
  beacon report -f workers.yaml

Fields left out keep their previous value on the agent.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var recs []protocol.StatusRecord
			if file != "" {
				data, err := readInput(cmd, file)
				if err != nil {
					return err
				}
				if recs, err = parseReportFile(data); err != nil {
					return err
				}
			} else {
				if rec.Name == "" {
					return errors.New("--name or -f is required")
				}
				// Unset timings stay nil so the agent keeps its values.
				fs := cmd.Flags()
				if fs.Changed("create") {
					rec.Create = protocol.Float(create)
				}
				if fs.Changed("run-periodic") {
					rec.RunPeriodic = protocol.Float(runPeriodic)
				}
				if fs.Changed("shutdown") {
					rec.Shutdown = protocol.Float(shutdown)
				}
				if fs.Changed("close") {
					rec.Close = protocol.Float(cls)
				}
				recs = []protocol.StatusRecord{rec}
			}

			return withClient(flags, func(ctx context.Context, c *tui.Client) error {
				if err := c.ReportStatus(ctx, recs); err != nil {
					return fmt.Errorf("report: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reported %d record(s)\n", len(recs))
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVarP(&file, "file", "f", "", "YAML file of records, - for stdin")
	f.StringVar(&rec.Name, "name", "", "worker name")
	f.StringVar(&rec.Group, "group", "", "group (tab) name")
	f.StringVar(&rec.Active, "active", "", "Active or Inactive (default Active)")
	f.StringVar(&rec.Status, "status", "", "status text")
	f.StringVar(&rec.Description, "description", "", "description text")
	f.StringVar(&rec.Errors, "errors", "", "error text")
	f.StringVar(&rec.LogEndpoint, "log-endpoint", "", "SSE log feed URL")
	f.StringVar(&rec.StreamEndpoint, "stream", "", "MJPEG stream URL")
	f.StringSliceVar(&rec.Capabilities, "capabilities", nil, "comma-separated capabilities")
	f.IntSliceVar(&rec.StreamShape, "stream-shape", nil, "stream shape, e.g. 480,640,3")
	f.Float64Var(&create, "create", 0, "create time in seconds")
	f.Float64Var(&runPeriodic, "run-periodic", 0, "periodic run time in seconds")
	f.Float64Var(&shutdown, "shutdown", 0, "shutdown time in seconds")
	f.Float64Var(&cls, "close", 0, "close time in seconds")

	cmd.AddCommand(newReportLogCmd(flags))
	return cmd
}

func newReportLogCmd(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "log NAME [LINE...]",
		Short: "Append log lines to a worker's feed (stdin when no lines are given)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, lines := args[0], args[1:]
			if len(lines) == 0 {
				var err error
				if lines, err = readLines(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			if len(lines) == 0 {
				return errors.New("no lines")
			}
			return withClient(flags, func(ctx context.Context, c *tui.Client) error {
				if err := c.ReportLog(ctx, name, lines); err != nil {
					return fmt.Errorf("report log: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reported %d line(s)\n", len(lines))
				return nil
			})
		},
	}
}

func withClient(flags *clientFlags, fn func(context.Context, *tui.Client) error) error {
	cfg, err := flags.resolve()
	if err != nil {
		return err
	}
	ctx, cancel := dialContext()
	defer cancel()
	c, err := tui.Dial(ctx, cfg.Agent.Socket, cfg.Agent.Addr)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer c.Close()
	c.SetProgram(nil)
	return fn(ctx, c)
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read records: %w", err)
	}
	return data, nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read lines: %w", err)
	}
	return lines, nil
}
