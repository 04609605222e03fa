package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/solomon/internal/control"
	"github.com/mtzanidakis/solomon/internal/natsbus"
	"github.com/mtzanidakis/solomon/internal/swarm"
)

type ipcResponse struct {
	OK          bool                `json:"ok,omitempty"`
	Error       string              `json:"error,omitempty"`
	ID          string              `json:"id,omitempty"`
	Workers     []string            `json:"workers,omitempty"`
	Topology    swarm.Topology      `json:"topology,omitempty"`
	Links       []swarm.Link        `json:"links,omitempty"`
	State       *swarm.SwarmState   `json:"state,omitempty"`
	Queen       *swarm.QueenState   `json:"queen,omitempty"`
	Result      json.RawMessage     `json:"result,omitempty"`
	Judgement   *swarm.Judgement    `json:"judgement,omitempty"`
	Replacement string              `json:"replacement,omitempty"`
	MaxAgents   int                 `json:"max_agents,omitempty"`
	Tasks       []control.TaskEntry `json:"tasks,omitempty"`
}

func sendIPC(natsURL, reqType string, payload any, timeout time.Duration) (*ipcResponse, error) {
	client, err := natsbus.Connect(natsURL, "swarmctl")
	if err != nil {
		return nil, err
	}
	defer client.Close()

	cmd := control.Command{Type: reqType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		cmd.Payload = raw
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := client.Request(natsbus.TopicSwarmControl, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("control request: %w", err)
	}

	var resp ipcResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.Error != "" {
		return &resp, errors.New(resp.Error)
	}
	return &resp, nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// taskFromArgs builds a task from --id, --description, --complexity,
// --parallel and --capabilities.
func taskFromArgs(args map[string]string) swarm.Task {
	parallel, _ := strconv.ParseBool(args["parallel"])
	return swarm.Task{
		ID:                   args["id"],
		Description:          args["description"],
		Priority:             args["priority"],
		Complexity:           swarm.Complexity(args["complexity"]),
		Parallelizable:       parallel,
		RequiredCapabilities: splitList(args["capabilities"]),
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  swarmctl status")
	fmt.Fprintln(os.Stderr, "  swarmctl queen")
	fmt.Fprintln(os.Stderr, `  swarmctl submit --id "..." --description "..." [--complexity low|medium|high] [--parallel true] [--capabilities a,b]`)
	fmt.Fprintln(os.Stderr, `  swarmctl run --worker "..." --description "..." [--id "..."]`)
	fmt.Fprintln(os.Stderr, `  swarmctl release --worker "..."`)
	fmt.Fprintln(os.Stderr, `  swarmctl fail --agent "..." [--error "..."]`)
	fmt.Fprintln(os.Stderr, "  swarmctl topology [--set hierarchical|mesh|ring|star]")
	fmt.Fprintln(os.Stderr, "  swarmctl optimize [--complexity ...] [--parallel true]")
	fmt.Fprintln(os.Stderr, `  swarmctl consensus --proposal "..." [--type "..."] [--severity "..."]`)
	fmt.Fprintln(os.Stderr, "  swarmctl max-agents --n N")
	fmt.Fprintln(os.Stderr, "  swarmctl shutdown")
	fmt.Fprintln(os.Stderr, "  swarmctl snapshot")
	fmt.Fprintln(os.Stderr, `  swarmctl task create --name "..." --schedule "..." --description "..."`)
	fmt.Fprintln(os.Stderr, "  swarmctl task list")
	fmt.Fprintln(os.Stderr, `  swarmctl task delete|pause|resume --id "..."`)
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}
	timeout := 2 * time.Minute
	if v := os.Getenv("SWARMCTL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			timeout = d
		}
	}

	if len(os.Args) < 2 {
		usage()
	}
	if err := run(os.Stdout, natsURL, timeout, os.Args[1], os.Args[2:]); err != nil {
		if errors.Is(err, errUsage) {
			usage()
		}
		fatal("%v", err)
	}
}

var errUsage = errors.New("usage")

func run(out io.Writer, natsURL string, timeout time.Duration, command string, rest []string) error {
	args := parseArgs(rest)
	send := func(reqType string, payload any) (*ipcResponse, error) {
		return sendIPC(natsURL, reqType, payload, timeout)
	}

	switch command {
	case "status":
		resp, err := send("state", nil)
		if err != nil {
			return err
		}
		printState(out, resp.State)

	case "queen":
		resp, err := send("queen_state", nil)
		if err != nil {
			return err
		}
		q := resp.Queen
		if q == nil {
			return fmt.Errorf("empty queen state")
		}
		fmt.Fprintf(out, "%s (%s): %d active agents, %d decisions, %d failures\n",
			q.ID, q.Role, q.ActiveAgents, len(q.Decisions), len(q.Failures))

	case "submit":
		task := taskFromArgs(args)
		if task.ID == "" {
			return fmt.Errorf("--id is required")
		}
		resp, err := send("submit_task", task)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Spawned %d workers:\n", len(resp.Workers))
		for _, id := range resp.Workers {
			fmt.Fprintf(out, "  %s\n", id)
		}

	case "run":
		if args["worker"] == "" {
			return fmt.Errorf("--worker is required")
		}
		resp, err := send("run_task", map[string]any{"worker_id": args["worker"], "task": taskFromArgs(args)})
		if err != nil {
			return err
		}
		var res swarm.Result
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
		fmt.Fprintf(out, "%s finished in %s\n%s\n", res.WorkerID, res.Duration, res.Output)

	case "release":
		if args["worker"] == "" {
			return fmt.Errorf("--worker is required")
		}
		if _, err := send("release", map[string]any{"worker_id": args["worker"]}); err != nil {
			return err
		}
		fmt.Fprintln(out, "Worker released.")

	case "fail":
		if args["agent"] == "" {
			return fmt.Errorf("--agent is required")
		}
		resp, err := send("report_failure", map[string]any{"agent_id": args["agent"], "error": args["error"]})
		if err != nil {
			return err
		}
		if resp.Replacement != "" {
			fmt.Fprintf(out, "Failure recorded, replaced by %s\n", resp.Replacement)
		} else {
			fmt.Fprintln(out, "Failure recorded, no replacement spawned.")
		}

	case "topology":
		var resp *ipcResponse
		var err error
		if t := args["set"]; t != "" {
			resp, err = send("set_topology", map[string]any{"topology": t})
		} else {
			resp, err = send("links", nil)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Topology: %s\n", resp.Topology)
		for _, l := range resp.Links {
			fmt.Fprintf(out, "  %s -> %s\n", l.From, l.To)
		}

	case "optimize":
		resp, err := send("optimize_topology", taskFromArgs(args))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Topology: %s\n", resp.Topology)

	case "consensus":
		if args["proposal"] == "" {
			return fmt.Errorf("--proposal is required")
		}
		resp, err := send("consensus", swarm.Decision{
			ID:       args["id"],
			Type:     args["type"],
			Proposal: args["proposal"],
			Severity: args["severity"],
		})
		if err != nil {
			return err
		}
		var res swarm.ConsensusResult
		if err := json.Unmarshal(resp.Result, &res); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
		fmt.Fprintf(out, "%s: %s (confidence %.2f, %d approve, %d reject, %d abstain)\n",
			res.DecisionID, res.Outcome, res.Confidence, res.Approvals, res.Rejections, res.Abstentions)

	case "max-agents":
		n, err := strconv.Atoi(args["n"])
		if err != nil {
			return fmt.Errorf("--n must be a number")
		}
		resp, err := send("set_max_agents", map[string]any{"max_agents": n})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Max agents: %d\n", resp.MaxAgents)

	case "shutdown":
		if _, err := send("shutdown_workers", nil); err != nil {
			return err
		}
		fmt.Fprintln(out, "All workers terminated.")

	case "snapshot":
		resp, err := send("snapshot", nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Snapshot saved: %s\n", resp.ID)

	case "task":
		if len(rest) == 0 {
			return errUsage
		}
		return runTask(out, send, rest[0], parseArgs(rest[1:]))

	default:
		return fmt.Errorf("unknown command: %s", command)
	}
	return nil
}

func runTask(out io.Writer, send func(string, any) (*ipcResponse, error), sub string, args map[string]string) error {
	switch sub {
	case "create":
		if args["name"] == "" || args["schedule"] == "" || args["description"] == "" {
			return fmt.Errorf("--name, --schedule, and --description are required")
		}
		resp, err := send("create_task", map[string]any{
			"name":     args["name"],
			"schedule": args["schedule"],
			"task":     taskFromArgs(args),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Task created: %s\n", resp.ID)

	case "list":
		resp, err := send("list_tasks", nil)
		if err != nil {
			return err
		}
		if len(resp.Tasks) == 0 {
			fmt.Fprintln(out, "No tasks found.")
			return nil
		}
		for _, t := range resp.Tasks {
			fmt.Fprintf(out, "  %s  %s  %s  [%s]\n", t.ID, t.Status, t.Name, t.Schedule)
		}

	case "delete", "pause", "resume":
		if args["id"] == "" {
			return fmt.Errorf("--id is required")
		}
		if _, err := send(sub+"_task", map[string]any{"id": args["id"]}); err != nil {
			return err
		}
		fmt.Fprintf(out, "Task %s.\n", map[string]string{"delete": "deleted", "pause": "paused", "resume": "resumed"}[sub])

	default:
		return fmt.Errorf("unknown task command: %s", sub)
	}
	return nil
}

func printState(out io.Writer, st *swarm.SwarmState) {
	if st == nil {
		fmt.Fprintln(out, "No state returned.")
		return
	}
	fmt.Fprintf(out, "Initialized: %t  Topology: %s  Agents: %d/%d\n",
		st.Initialized, st.Topology, st.ActiveAgents, st.MaxAgents)
	fmt.Fprintf(out, "Tasks: %d completed, %d failed (%.0f%%)\n",
		st.Metrics.TasksCompleted, st.Metrics.TasksFailed, st.Metrics.CompletionRate*100)
	for _, w := range st.Workers {
		fmt.Fprintf(out, "  %s  %-10s  %-9s  %3d%%  %s\n",
			w.ID, w.Type, w.Status, w.Progress, strings.Join(w.Capabilities, ","))
	}
}
