package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/micromdm/nanoflow/engine"
	"github.com/micromdm/nanoflow/job"
	"github.com/micromdm/nanoflow/vars"

	"github.com/spf13/cobra"
)

var (
	submitFlow     string
	submitDevice   string
	submitUser     string
	submitCampaign string
	submitAt       string
	submitRetries  int
	submitVars     []string

	listDevice string
	listFlow   string
	listStatus []string
	listLimit  int
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit and manage jobs",
}

// jobView is a Job as returned by the API.
type jobView struct {
	*job.Job
	Progress float64 `json:"progress"`
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &engine.SubmitRequest{
			FlowID:     submitFlow,
			DeviceID:   submitDevice,
			UserID:     submitUser,
			CampaignID: submitCampaign,
		}
		if submitAt != "" {
			at, err := parseSchedule(submitAt, time.Now())
			if err != nil {
				return err
			}
			req.ScheduledAt = at
		}
		if cmd.Flags().Changed("max-retries") {
			req.MaxRetries = &submitRetries
		}
		var err error
		if req.Variables, err = parseVars(submitVars); err != nil {
			return err
		}

		j := new(jobView)
		if err = api.do(cmd.Context(), "POST", "/v1/jobs", "", req, j); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), j.ID)
		return nil
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if listDevice != "" {
			q.Set("device_id", listDevice)
		}
		if listFlow != "" {
			q.Set("flow_id", listFlow)
		}
		if len(listStatus) > 0 {
			q.Set("status", strings.Join(listStatus, ","))
		}
		if listLimit > 0 {
			q.Set("limit", strconv.Itoa(listLimit))
		}
		path := "/v1/jobs"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		var jobs []*jobView
		if err := api.do(cmd.Context(), "GET", path, "", nil, &jobs); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, j := range jobs {
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%.0f%%\n", j.ID, j.DeviceID, j.FlowID, j.Status, j.Progress)
		}
		return nil
	},
}

// idCommand creates a subcommand that issues one API request for a Job ID
// and prints the JSON response.
func idCommand(use, short, method, suffix string, newOut func() any) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out any
			if newOut != nil {
				out = newOut()
			}
			if err := api.do(cmd.Context(), method, "/v1/job/"+args[0]+suffix, "", nil, out); err != nil {
				return err
			}
			if out == nil {
				return nil
			}
			return printJSON(cmd, out)
		},
	}
}

func init() {
	f := jobSubmitCmd.Flags()
	f.StringVarP(&submitFlow, "flow", "f", "", "flow id")
	f.StringVarP(&submitDevice, "device", "d", "", "device id")
	f.StringVar(&submitUser, "user", "", "submitting user id")
	f.StringVar(&submitCampaign, "campaign", "", "campaign id")
	f.StringVar(&submitAt, "at", "", "schedule time (RFC 3339 or a duration from now)")
	f.IntVar(&submitRetries, "max-retries", engine.DefaultMaxRetries, "job retry budget")
	f.StringArrayVar(&submitVars, "var", nil, "initial variable binding name=value (repeatable)")
	jobSubmitCmd.MarkFlagRequired("flow")
	jobSubmitCmd.MarkFlagRequired("device")

	f = jobListCmd.Flags()
	f.StringVarP(&listDevice, "device", "d", "", "filter by device id")
	f.StringVarP(&listFlow, "flow", "f", "", "filter by flow id")
	f.StringSliceVarP(&listStatus, "status", "s", nil, "filter by status")
	f.IntVarP(&listLimit, "limit", "n", 0, "max results")

	jobCmd.AddCommand(jobSubmitCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(idCommand("get", "Show a job", "GET", "", func() any { return new(jobView) }))
	jobCmd.AddCommand(idCommand("tasks", "Show the tasks of a job", "GET", "/tasks", func() any { return new([]*job.Task) }))
	jobCmd.AddCommand(idCommand("logs", "Show the log of a job", "GET", "/logs", func() any { return new([]*job.LogEntry) }))
	jobCmd.AddCommand(idCommand("cancel", "Cancel a job", "POST", "/cancel", func() any { return new(jobView) }))
	jobCmd.AddCommand(idCommand("retry", "Retry a failed job", "POST", "/retry", func() any { return new(jobView) }))
	jobCmd.AddCommand(idCommand("delete", "Delete a finished job", "DELETE", "", nil))
}

// parseSchedule parses an RFC 3339 time or a duration relative to now.
func parseSchedule(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(d), nil
	}
	at, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid schedule: %s", s)
	}
	return at, nil
}

// parseVars parses name=value bindings.
// Values that look like numbers or booleans are typed accordingly.
func parseVars(kvs []string) (map[string]vars.Value, error) {
	if len(kvs) < 1 {
		return nil, nil
	}
	ret := make(map[string]vars.Value, len(kvs))
	for _, kv := range kvs {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !vars.ValidName(name) {
			return nil, fmt.Errorf("invalid variable: %s", kv)
		}
		if n, err := strconv.ParseFloat(value, 64); err == nil {
			ret[name] = vars.Number(n)
		} else if b, err := strconv.ParseBool(value); err == nil {
			ret[name] = vars.Bool(b)
		} else {
			ret[name] = vars.String(value)
		}
	}
	return ret, nil
}
