package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage agent runs",
	}

	cmd.AddCommand(
		newRunSubmitCmd(clientFn, outputFn),
		newRunListCmd(clientFn, outputFn),
		newRunShowCmd(clientFn, outputFn),
		newRunCancelCmd(clientFn, outputFn),
		newRunPauseCmd(clientFn, outputFn),
		newRunResumeCmd(clientFn, outputFn),
		newRunWatchCmd(clientFn, outputFn),
	)

	return cmd
}

func newRunSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var file string
	var title string
	var feature string
	var steps []string
	var watch bool

	cmd := &cobra.Command{
		Use:   "submit PROJECT",
		Short: "Submit an agent task",
		Long: `Submit an agent task to a project.

Steps come from a YAML/JSON task file (--file) or from repeatable --step flags:

  agentctl run submit my-project --step 'http={"url":"https://example.com"}' --step delay`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			var req SubmitRunRequest
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read task file: %w", err)
				}
				if req, err = ParseTaskFile(data); err != nil {
					return err
				}
			}
			for _, s := range steps {
				step, err := ParseStepFlag(s)
				if err != nil {
					return err
				}
				req.Steps = append(req.Steps, step)
			}
			if title != "" {
				req.Title = title
			}
			if feature != "" {
				req.FeatureRef = feature
			}

			id, err := client.SubmitRun(args[0], req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run submitted: %s", id))
			if !watch {
				out.Print([]string{"RUN_ID"}, [][]string{{id}}, map[string]string{"run_id": id})
				return nil
			}
			return watchRun(cmd.Context(), client, out, id, 0)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Task file (YAML or JSON)")
	cmd.Flags().StringVar(&title, "title", "", "Task title")
	cmd.Flags().StringVar(&feature, "feature", "", "Feature reference")
	cmd.Flags().StringArrayVar(&steps, "step", nil, "Step as KIND or KIND=JSON_INPUT (repeatable)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Stream events until the run finishes")

	return cmd
}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list PROJECT",
		Short: "List runs of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			runs, err := client.ListRuns(args[0], limit)
			if err != nil {
				return err
			}

			headers := []string{"ID", "TITLE", "STATUS", "STEPS", "CREATED"}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = []string{r.ID, r.Title, r.Status, strconv.Itoa(r.Steps), r.CreatedAt}
			}

			out.Print(headers, rows, runs)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newRunShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show run details and steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.GetRun(args[0])
			if err != nil {
				return err
			}

			if out.jsonMode {
				out.JSON(run)
				return nil
			}

			out.Table(
				[]string{"ID", "PROJECT", "STATUS", "PAUSED", "CANCEL_REQUESTED", "CREATED"},
				[][]string{{run.ID, run.ProjectRef, run.Status, strconv.FormatBool(run.Paused), strconv.FormatBool(run.CancelRequested), run.CreatedAt}},
			)

			rows := make([][]string, 0, len(run.Steps)+1)
			for _, s := range run.Steps {
				rows = append(rows, []string{
					strconv.Itoa(s.Index), s.Kind, stepResult(s.Succeeded, s.ErrorKind),
					strconv.Itoa(s.Attempts), strconv.FormatInt(s.DurationMs, 10) + "ms", s.Message,
				})
			}
			if f := run.InFlight; f != nil {
				rows = append(rows, []string{
					strconv.Itoa(f.Index), f.Kind, "IN_FLIGHT", strconv.Itoa(f.Attempt), "", "",
				})
			}
			fmt.Fprintln(out.w)
			out.Table([]string{"INDEX", "KIND", "RESULT", "ATTEMPTS", "DURATION", "MESSAGE"}, rows)
			return nil
		},
	}
}

func newRunCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Request cancellation of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			accepted, err := client.CancelRun(args[0])
			if err != nil {
				return err
			}

			if !accepted {
				return fmt.Errorf("run %s already finished", args[0])
			}
			out.Success(fmt.Sprintf("Cancel requested: %s", args[0]))
			return nil
		},
	}
}

func newRunPauseCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "pause ID",
		Short: "Pause a run at the next step boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accepted, err := clientFn().PauseRun(args[0])
			if err != nil {
				return err
			}

			if !accepted {
				return fmt.Errorf("run %s cannot be paused: finished or cancelling", args[0])
			}
			outputFn().Success(fmt.Sprintf("Pause requested: %s", args[0]))
			return nil
		},
	}
}

func newRunResumeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "resume ID",
		Short: "Resume a paused run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accepted, err := clientFn().ResumeRun(args[0])
			if err != nil {
				return err
			}

			if !accepted {
				return fmt.Errorf("run %s already finished", args[0])
			}
			outputFn().Success(fmt.Sprintf("Resumed: %s", args[0]))
			return nil
		},
	}
}

func newRunWatchCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var from int

	cmd := &cobra.Command{
		Use:   "watch ID",
		Short: "Stream run events until the run finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchRun(cmd.Context(), clientFn(), outputFn(), args[0], from)
		},
	}

	cmd.Flags().IntVar(&from, "from", 0, "Replay steps starting from this index")

	return cmd
}

// watchRun печатает события run до финального статуса. Ctrl+C
// прерывает только просмотр, run продолжает выполняться.
func watchRun(ctx context.Context, client *Client, out *Output, id string, from int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	var final string
	err := client.Watch(ctx, id, from, func(ev Event) error {
		if ev.Terminal {
			final = ev.Status
		}
		out.Event(ev)
		return nil
	})
	if err != nil {
		return err
	}
	if final == "FAILED" {
		return fmt.Errorf("run %s failed", id)
	}
	return nil
}

// ParseTaskFile разбирает файл задачи. YAML — надмножество JSON,
// поэтому поддерживаются оба формата.
func ParseTaskFile(data []byte) (SubmitRunRequest, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return SubmitRunRequest{}, fmt.Errorf("failed to parse task file: %w", err)
	}

	// Через JSON, чтобы использовать те же теги, что и API.
	buf, err := json.Marshal(raw)
	if err != nil {
		return SubmitRunRequest{}, fmt.Errorf("failed to parse task file: %w", err)
	}

	var req SubmitRunRequest
	if err := json.Unmarshal(buf, &req); err != nil {
		return SubmitRunRequest{}, fmt.Errorf("failed to parse task file: %w", err)
	}
	return req, nil
}

// ParseStepFlag разбирает --step KIND или KIND=JSON_INPUT.
func ParseStepFlag(s string) (StepDescriptor, error) {
	kind, input, hasInput := strings.Cut(s, "=")
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return StepDescriptor{}, fmt.Errorf("invalid step %q: kind is required", s)
	}

	step := StepDescriptor{Kind: kind}
	if hasInput {
		if err := json.Unmarshal([]byte(input), &step.Input); err != nil {
			return StepDescriptor{}, fmt.Errorf("invalid step %q: input must be a JSON object: %w", s, err)
		}
	}
	return step, nil
}

func stepResult(succeeded bool, errorKind string) string {
	if succeeded {
		return "OK"
	}
	return errorKind
}
