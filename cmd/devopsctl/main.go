// Command devopsctl drives a devops-agent from the terminal: it streams a task
// and asks for a decision on every proposed command.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"devopsagent/pkg/proto"
	"devopsagent/pkg/version"
)

const defaultServer = "http://localhost:8000"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(ctx, os.Args[2:])
	case "approve":
		err = approveCmd(ctx, os.Args[2:])
	case "cancel":
		err = cancelCmd(ctx, os.Args[2:])
	case "trace":
		err = traceCmd(ctx, os.Args[2:])
	case "version", "-version", "--version":
		fmt.Println("devopsctl", version.String())
	case "help", "-h", "--help":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage: devopsctl <command> [flags]

Commands:
  run -repo <name> [-task-id <id>] <instruction...>   Run a task interactively
  approve -step <id> [-reject] [-edit <command>]       Decide on a pending step
  cancel [-task-id <id>]                               Cancel one or all tasks
  trace -task-id <id>                                  Show the model output of a task
  version                                              Print version

Every command accepts -server (default `+defaultServer+`, env DEVOPS_AGENT_URL).`)
}

func serverFlag(fs *flag.FlagSet) *string {
	def := os.Getenv("DEVOPS_AGENT_URL")
	if def == "" {
		def = defaultServer
	}
	return fs.String("server", def, "Agent base URL")
}

func runCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	server := serverFlag(fs)
	repo := fs.String("repo", "", "Repository name")
	taskID := fs.String("task-id", "", "Task id (default: generated by the agent)")
	noColor := fs.Bool("no-color", false, "Disable colored output")
	if err := fs.Parse(args); err != nil {
		return err //nolint:wrapcheck // flag errors are printed as is
	}
	input := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if *repo == "" || input == "" {
		return errors.New("run needs -repo and an instruction")
	}
	// Every proposed command needs a human answer.
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("run requires an interactive terminal")
	}

	colorEnabled := !*noColor && term.IsTerminal(int(os.Stdout.Fd()))
	approver := NewApprover(os.Stdin, os.Stdout, colorEnabled)
	client := NewClient(*server)
	return runTask(ctx, client, approver, *repo, input, *taskID)
}

// runTask streams a task, answering approval requests through approver.
// Quitting cancels the task on the agent.
func runTask(ctx context.Context, client *Client, approver *Approver, repo, input, taskID string) error {
	var final proto.StepEvent
	id, err := client.Run(ctx, repo, input, taskID, func(ev proto.StepEvent) error {
		approver.Print(&ev)
		if ev.Kind.IsTerminal() {
			final = ev
			return nil
		}
		if ev.Kind != proto.EventApprovalRequired {
			return nil
		}
		decision, err := approver.Decide(ev)
		if errors.Is(err, errQuit) {
			if _, cerr := client.Cancel(ctx, ev.TaskID); cerr != nil {
				return fmt.Errorf("failed to cancel task %s: %w", ev.TaskID, cerr)
			}
			return nil
		}
		if err != nil {
			return err
		}
		_, err = client.Approve(ctx, ev.StepID, decision.Approved, decision.EditedCommand)
		return err
	})
	if err != nil {
		return err
	}
	switch final.Kind {
	case proto.EventCompleted:
		return nil
	case proto.EventError:
		return fmt.Errorf("task %s failed: %s", id, final.Text)
	case proto.EventCancelled:
		return fmt.Errorf("task %s cancelled", id)
	default:
		return fmt.Errorf("stream of task %s ended without a result", id)
	}
}

func approveCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("approve", flag.ExitOnError)
	server := serverFlag(fs)
	step := fs.String("step", "", "Step id from the ApprovalRequired line")
	reject := fs.Bool("reject", false, "Reject instead of approving")
	edit := fs.String("edit", "", "Run this command instead of the proposed one")
	if err := fs.Parse(args); err != nil {
		return err //nolint:wrapcheck // flag errors are printed as is
	}
	if *step == "" {
		return errors.New("approve needs -step")
	}
	if *reject && *edit != "" {
		return errors.New("-reject and -edit are mutually exclusive")
	}
	resp, err := NewClient(*server).Approve(ctx, *step, !*reject, *edit)
	if err != nil {
		return err
	}
	fmt.Printf("%v: task %v approved=%v\n", resp["status"], resp["task_id"], resp["approved"])
	return nil
}

func cancelCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	server := serverFlag(fs)
	taskID := fs.String("task-id", "", "Task to cancel (default: all)")
	if err := fs.Parse(args); err != nil {
		return err //nolint:wrapcheck // flag errors are printed as is
	}
	ids, err := NewClient(*server).Cancel(ctx, *taskID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no running tasks")
		return nil
	}
	fmt.Println("cancelled:", strings.Join(ids, ", "))
	return nil
}

func traceCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	server := serverFlag(fs)
	taskID := fs.String("task-id", "", "Task id")
	if err := fs.Parse(args); err != nil {
		return err //nolint:wrapcheck // flag errors are printed as is
	}
	if *taskID == "" {
		return errors.New("trace needs -task-id")
	}
	trace, err := NewClient(*server).Trace(ctx, *taskID)
	if err != nil {
		return err
	}
	fmt.Printf("Task %s (%s)\nRefined: %s\n", trace.TaskID, trace.Status, trace.RefinedInput)
	for i, out := range trace.LLMOutput {
		fmt.Printf("\n--- step %d ---\n%s\n", i+1, out)
	}
	return nil
}
