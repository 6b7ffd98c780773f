package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"taskd/internal/app"
	"taskd/internal/auth"
	"taskd/internal/job"
)

func newJobsCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and run stored jobs",
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config (json or yaml)")

	var (
		skip, limit int
		token       string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List job definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOffline(cmd.Context(), cfgPath, func(off *app.Offline) error {
				defs, err := off.Registry.List(cmd.Context(), auth.System, skip, limit)
				if err != nil {
					return err
				}
				printDefinitions(cmd.OutOrStdout(), defs)
				return nil
			})
		},
	}
	list.Flags().IntVar(&skip, "skip", 0, "definitions to skip")
	list.Flags().IntVar(&limit, "limit", 0, "page size (default 10, max 100)")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Print one job definition as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withOffline(cmd.Context(), cfgPath, func(off *app.Offline) error {
				def, err := off.Registry.Get(cmd.Context(), auth.System, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), def)
			})
		},
	}

	run := &cobra.Command{
		Use:   "run <id>",
		Short: "Run a job now and record its outcome",
		Long: "Run a job now and record its outcome. When a daemon is serving the same\n" +
			"config the run is sent to it, so its one-run-per-job rule still holds.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withOffline(cmd.Context(), cfgPath, func(off *app.Offline) error {
				var res runResult
				err := off.Exclusive(func() error {
					inv, def, err := off.Registry.RunNow(cmd.Context(), auth.System, id)
					if err != nil && !errors.Is(err, job.ErrReconciliationSkip) {
						return err
					}
					res = runResult{Invocation: inv, Job: def, Discarded: err != nil}
					return nil
				})
				if errors.Is(err, app.ErrDaemonRunning) {
					if token == "" {
						token = os.Getenv(tokenEnv)
					}
					res, err = runRemote(cmd.Context(), off.APIAddr(), token, id)
				}
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if res.Invocation != nil && !res.Invocation.Succeeded() {
					return fmt.Errorf("job %d: %s", id, res.Invocation.Outcome)
				}
				return nil
			})
		},
	}
	run.Flags().StringVar(&token, "token", "", "bearer token for a running daemon (default $"+tokenEnv+")")

	cmd.AddCommand(list, get, run)
	return cmd
}

func withOffline(ctx context.Context, cfgPath string, fn func(*app.Offline) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	off, err := app.OpenOffline(ctx, cfgPath)
	if err != nil {
		return err
	}
	return errors.Join(fn(off), off.Close())
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", raw)
	}
	return id, nil
}

func printDefinitions(w io.Writer, defs []job.Definition) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSCHEDULE\tRUNS\tLAST")
	for _, d := range defs {
		sched := "-"
		if d.Recurring {
			sched = d.Schedule
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n", d.ID, d.Name, d.ScriptType, sched, d.RunCount, d.LastOutcome)
	}
	_ = tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

const tokenEnv = "TASKD_TOKEN"

type runResult struct {
	Invocation *job.Invocation `json:"invocation"`
	Job        job.Definition  `json:"job"`
	Discarded  bool            `json:"discarded,omitempty"`
}

// runRemote asks the daemon at addr to run job id.
func runRemote(ctx context.Context, addr, token string, id int64) (runResult, error) {
	url := "http://" + addr + "/debug/run-task/" + strconv.FormatInt(id, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return runResult{}, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return runResult{}, fmt.Errorf("daemon at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error struct {
				Kind    string `json:"kind"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil || body.Error.Message == "" {
			return runResult{}, fmt.Errorf("daemon at %s: %s", addr, resp.Status)
		}
		return runResult{}, fmt.Errorf("daemon at %s: %s: %s", addr, body.Error.Kind, body.Error.Message)
	}
	var res runResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return runResult{}, fmt.Errorf("daemon at %s: decode: %w", addr, err)
	}
	return res, nil
}
