// Command sortie is the operator CLI for a sortied server.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/GoCodeAlone/sortie/agent"
	"github.com/GoCodeAlone/sortie/comms"
	"github.com/GoCodeAlone/sortie/fleet"
	"github.com/GoCodeAlone/sortie/internal/version"
	"github.com/GoCodeAlone/sortie/policy"
	"github.com/GoCodeAlone/sortie/proposal"
	"github.com/GoCodeAlone/sortie/task"
	"github.com/GoCodeAlone/sortie/update"
)

const defaultServer = "http://localhost:9090"

var rootCmd = &cobra.Command{
	Use:   "sortie",
	Short: "Sortie operator CLI",
	Long: `sortie talks to a sortied server.
Authenticate once with 'sortie login' and export the printed token as
SORTIE_TOKEN; every other command reads it from there or from --token.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SORTIE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("server", defaultServer, "sortied server URL")
	rootCmd.PersistentFlags().String("token", "", "JWT auth token (or $SORTIE_TOKEN)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(updateCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(proposalsCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(denyCmd())
	rootCmd.AddCommand(policiesCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(hireCmd())
	rootCmd.AddCommand(fireCmd())
	rootCmd.AddCommand(sayCmd())
	rootCmd.AddCommand(messagesCmd())
}

func client() *Client {
	return &Client{
		BaseURL:    strings.TrimRight(viper.GetString("server"), "/"),
		Token:      viper.GetString("token"),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// render prints v as JSON when --json is set and otherwise calls table.
func render(v any, fill func(tw table.Writer)) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	fill(tw)
	tw.Render()
	return nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// --- version / login / status ---

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sortie %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildDate)
		},
	}
}

func updateCmd() *cobra.Command {
	var checkOnly bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Replace this binary with the latest release",
		RunE: func(cmd *cobra.Command, args []string) error {
			u := update.New(version.Version, "sortie")
			rel, err := u.CheckForUpdate(cmd.Context())
			if err != nil {
				return err
			}
			if rel == nil {
				fmt.Printf("sortie %s is up to date\n", version.Version)
				return nil
			}
			if checkOnly {
				fmt.Printf("sortie %s is available (running %s)\n", rel.Version, version.Version)
				return nil
			}
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate executable: %w", err)
			}
			if err := u.ApplyUpdate(cmd.Context(), rel, exe); err != nil {
				return err
			}
			fmt.Printf("updated to %s\n", rel.Version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkOnly, "check", false, "only report whether an update exists")
	return cmd
}

func loginCmd() *cobra.Command {
	var user, pass string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and print a token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if pass == "" {
				pass = viper.GetString("password")
			}
			var resp struct {
				Token     string    `json:"token"`
				Org       string    `json:"org"`
				ExpiresAt time.Time `json:"expires_at"`
			}
			if err := client().post("/api/auth/login", map[string]string{"username": user, "password": pass}, &resp); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(resp)
			}
			fmt.Printf("logged in to org %s until %s\n", resp.Org, resp.ExpiresAt.Local().Format(time.RFC1123))
			fmt.Printf("export SORTIE_TOKEN=%s\n", resp.Token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "admin", "admin user")
	cmd.Flags().StringVarP(&pass, "password", "p", "", "admin password (or $SORTIE_PASSWORD)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]any
			if err := client().get("/api/status", &result); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(result)
			}
			fmt.Printf("status:  %v\n", result["status"])
			fmt.Printf("version: %v\n", result["version"])
			if up, ok := result["uptime"]; ok {
				fmt.Printf("uptime:  %v\n", up)
			}
			if n, ok := result["running_agents"]; ok {
				fmt.Printf("agents:  %v running\n", n)
			}
			return nil
		},
	}
}

// --- tasks ---

func renderTasks(tasks []*task.Task) error {
	return render(tasks, func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Team", "Assignee", "Parent"})
		for _, t := range tasks {
			tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, t.TeamID, short(t.AssignedTo), short(t.ParentID)})
		}
	})
}

func renderTask(t *task.Task) error {
	return renderTasks([]*task.Task{t})
}

func tasksCmd() *cobra.Command {
	var status, assignee, team, parent string
	var limit int
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for k, v := range map[string]string{"status": status, "assignee_id": assignee, "team_id": team, "parent_id": parent} {
				if v != "" {
					q.Set(k, v)
				}
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/tasks"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var tasks []*task.Task
			if err := client().get(path, &tasks); err != nil {
				return err
			}
			return renderTasks(tasks)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (comma-separated)")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee agent id")
	cmd.Flags().StringVar(&team, "team", "", "team id")
	cmd.Flags().StringVar(&parent, "parent", "", "parent mission id")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum tasks to show")
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Manage a task"}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskAssignCmd())
	t.AddCommand(taskStatusCmd())
	return t
}

func taskCreateCmd() *cobra.Command {
	var desc, team, priority, parent, assignee string
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{
				"title":       strings.Join(args, " "),
				"description": desc,
				"team_id":     team,
				"priority":    priority,
				"parent_id":   parent,
				"assignee_id": assignee,
			}
			var created task.Task
			if err := client().post("/api/tasks", body, &created); err != nil {
				return err
			}
			return renderTask(&created)
		},
	}
	cmd.Flags().StringVarP(&desc, "description", "d", "", "task description")
	cmd.Flags().StringVar(&team, "team", "", "team id")
	cmd.Flags().StringVar(&priority, "priority", "", "low, normal, high or critical")
	cmd.Flags().StringVar(&parent, "parent", "", "parent mission id")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assign to this agent id")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t task.Task
			if err := client().get("/api/tasks/"+args[0], &t); err != nil {
				return err
			}
			if viper.GetBool("json") || t.Output == "" {
				return renderTask(&t)
			}
			if err := renderTask(&t); err != nil {
				return err
			}
			fmt.Println()
			fmt.Println(t.Output)
			return nil
		},
	}
}

func taskAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <id> <agent-id>",
		Short: "Assign a task to an agent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t task.Task
			if err := client().post("/api/tasks/"+args[0]+"/assign", map[string]string{"agent_id": args[1]}, &t); err != nil {
				return err
			}
			return renderTask(&t)
		},
	}
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Move a task to a status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t task.Task
			if err := client().do(http.MethodPatch, "/api/tasks/"+args[0]+"/status", map[string]string{"status": args[1]}, &t); err != nil {
				return err
			}
			return renderTask(&t)
		},
	}
}

// --- proposals ---

func proposalsCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "proposals",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/proposals"
			if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			var ps []*proposal.Proposal
			if err := client().get(path, &ps); err != nil {
				return err
			}
			return render(ps, func(tw table.Writer) {
				tw.AppendHeader(table.Row{"ID", "Action", "Status", "Agent", "Team", "Mission", "Reason"})
				for _, p := range ps {
					tw.AppendRow(table.Row{p.ID, p.Action, p.Status, short(p.AgentID), p.TeamID, short(p.MissionID), p.Reason})
				}
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, approved, denied or auto_approved")
	return cmd
}

func approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <proposal-id>",
		Short: "Approve a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res proposal.Result
			if err := client().post("/api/proposals/"+args[0]+"/approve", nil, &res); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			fmt.Printf("approved %s; mission %s\n", res.ProposalID, res.MissionID)
			return nil
		},
	}
}

func denyCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "deny <proposal-id>",
		Short: "Deny a pending proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p proposal.Proposal
			if err := client().post("/api/proposals/"+args[0]+"/deny", map[string]string{"reason": reason}, &p); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(p)
			}
			fmt.Printf("denied %s\n", p.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the proposal")
	return cmd
}

// --- policies ---

func policiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "List autonomy policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			var ps []*policy.Policy
			if err := client().get("/api/policies", &ps); err != nil {
				return err
			}
			return render(ps, func(tw table.Writer) {
				tw.AppendHeader(table.Row{"ID", "Team", "Action", "Mode", "Max cost", "Min confidence"})
				for _, p := range ps {
					tw.AppendRow(table.Row{p.ID, p.TeamID, p.Action, p.Mode, optFloat(p.MaxCost), optFloat(p.MinConfidence)})
				}
			})
		},
	}
}

func optFloat(f *float64) string {
	if f == nil {
		return "-"
	}
	return strconv.FormatFloat(*f, 'g', -1, 64)
}

func policyCmd() *cobra.Command {
	p := &cobra.Command{Use: "policy", Short: "Manage autonomy policies"}
	p.AddCommand(policySetCmd())
	p.AddCommand(policyRmCmd())
	return p
}

func policySetCmd() *cobra.Command {
	var id, team, action, mode string
	var maxCost, minConfidence float64
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Create or update a policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if action == "" || mode == "" {
				return fmt.Errorf("--action and --mode are required")
			}
			body := policy.Policy{ID: id, TeamID: team, Action: action, Mode: policy.Mode(mode)}
			if cmd.Flags().Changed("max-cost") {
				body.MaxCost = &maxCost
			}
			if cmd.Flags().Changed("min-confidence") {
				body.MinConfidence = &minConfidence
			}
			var saved policy.Policy
			if err := client().do(http.MethodPut, "/api/policies", body, &saved); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(saved)
			}
			fmt.Printf("policy %s: %s on %s is %s\n", saved.ID, saved.TeamID, saved.Action, saved.Mode)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "policy id to update")
	cmd.Flags().StringVar(&team, "team", "", "team id (required for the * action)")
	cmd.Flags().StringVar(&action, "action", "", "action name or *")
	cmd.Flags().StringVar(&mode, "mode", "", "auto, manual or propose_only")
	cmd.Flags().Float64Var(&maxCost, "max-cost", 0, "auto-approve only at or below this cost")
	cmd.Flags().Float64Var(&minConfidence, "min-confidence", 0, "auto-approve only at or above this confidence")
	return cmd
}

func policyRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <policy-id>",
		Short: "Delete a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().do(http.MethodDelete, "/api/policies/"+args[0], nil, nil)
		},
	}
}

// --- agents ---

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			var agents []*agent.Agent
			if err := client().get("/api/agents", &agents); err != nil {
				return err
			}
			return render(agents, func(tw table.Writer) {
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Team", "Status", "Machine", "Last heartbeat"})
				for _, a := range agents {
					beat := "-"
					if a.LastHeartbeat != nil {
						beat = a.LastHeartbeat.Local().Format(time.DateTime)
					}
					tw.AppendRow(table.Row{a.ID, a.Name, a.Role, a.TeamID, a.Status, a.MachineID, beat})
				}
			})
		},
	}
}

func hireCmd() *cobra.Command {
	var in fleet.HireInput
	cmd := &cobra.Command{
		Use:   "hire <name>",
		Short: "Hire an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Name = args[0]
			var a agent.Agent
			if err := client().post("/api/agents", in, &a); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(a)
			}
			fmt.Printf("hired %s (%s) as %s; status %s, machine %s\n", a.Name, a.ID, a.Role, a.Status, a.MachineID)
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Role, "role", "", "commander or worker (default worker)")
	cmd.Flags().StringVar(&in.Soul, "soul", "", "personality prompt")
	cmd.Flags().StringVar(&in.TeamID, "team", "", "team id")
	cmd.Flags().StringVar(&in.Provider, "provider", "", "LLM provider")
	cmd.Flags().StringVar(&in.Model, "model", "", "LLM model")
	return cmd
}

func fireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fire <agent-id>",
		Short: "Fire an agent and stop its machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().do(http.MethodDelete, "/api/agents/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Printf("fired %s\n", args[0])
			return nil
		},
	}
}

// --- channels ---

func sayCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "say <channel> <text>",
		Short: "Post a message to a channel",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"content": strings.Join(args[1:], " "), "task_id": taskID}
			var msg comms.Message
			if err := client().post("/api/channels/"+url.PathEscape(args[0])+"/messages", body, &msg); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(msg)
			}
			fmt.Printf("posted #%d to %s\n", msg.Seq, msg.Channel)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task the message refers to")
	return cmd
}

func messagesCmd() *cobra.Command {
	var limit int
	var after int64
	cmd := &cobra.Command{
		Use:   "messages <channel>",
		Short: "Show recent channel messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			if after > 0 {
				q.Set("after", strconv.FormatInt(after, 10))
			}
			var msgs []*comms.Message
			if err := client().get("/api/channels/"+url.PathEscape(args[0])+"/messages?"+q.Encode(), &msgs); err != nil {
				return err
			}
			return render(msgs, func(tw table.Writer) {
				tw.AppendHeader(table.Row{"Seq", "Time", "From", "Depth", "Message"})
				for _, m := range msgs {
					from := m.AgentID
					if from == "" {
						from = "human"
					}
					tw.AppendRow(table.Row{m.Seq, m.CreatedAt.Local().Format(time.TimeOnly), short(from), m.Depth, m.Content})
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of messages")
	cmd.Flags().Int64Var(&after, "after", 0, "only messages after this sequence number")
	return cmd
}
