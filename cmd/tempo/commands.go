package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/GoCodeAlone/tempo/client"
	"github.com/GoCodeAlone/tempo/config"
	"github.com/GoCodeAlone/tempo/device"
	"github.com/GoCodeAlone/tempo/internal/version"
	"github.com/GoCodeAlone/tempo/orchestrator"
	"github.com/GoCodeAlone/tempo/task"
	"github.com/spf13/cobra"
)

// app holds the global flags shared by every command.
type app struct {
	cfgPath string
	server  string
	token   string
	out     io.Writer
}

func (a *app) config() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(a.cfgPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if a.server != "" {
		cfg.Client.Server = a.server
	}
	if a.token != "" {
		cfg.Client.Token = a.token
	}
	return cfg, nil
}

func (a *app) client() (*client.Client, string, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, "", err
	}
	deviceID, err := device.LoadOrCreate(cfg.DeviceFile())
	if err != nil {
		return nil, "", err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	opts := []client.Option{
		client.WithRetries(cfg.Client.MaxRetries),
		client.WithLogger(logger),
	}
	if cfg.Client.Timeout > 0 {
		opts = append(opts, client.WithHTTPClient(&http.Client{Timeout: cfg.Client.Timeout}))
	}
	c := client.New(cfg.Client.Server, cfg.Client.Token, deviceID, opts...)
	return c, deviceID, nil
}

// orchestrator returns an orchestrator loaded with the server's tree.
func (a *app) orchestrator(ctx context.Context, date string) (*orchestrator.Orchestrator, error) {
	c, deviceID, err := a.client()
	if err != nil {
		return nil, err
	}
	o := orchestrator.New(c, deviceID,
		orchestrator.WithFilter(task.Filter{Date: date}),
		orchestrator.WithLogger(c.Logger()),
	)
	if err := o.Reload(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

func loginCmd(a *app) *cobra.Command {
	var user, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain an auth token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv("TEMPO_PASSWORD")
			}
			c, _, err := a.client()
			if err != nil {
				return err
			}
			token, err := c.Login(cmd.Context(), user, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "export TEMPO_TOKEN=%s\n", token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (or $TEMPO_PASSWORD)")
	cmd.MarkFlagRequired("user") //nolint:errcheck
	return cmd
}

func treeCmd(a *app) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show the task tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := a.orchestrator(cmd.Context(), date)
			if err != nil {
				return err
			}
			printTree(a.out, o.Snapshot(), time.Now().Unix())
			return nil
		},
	}
	cmd.Flags().StringVarP(&date, "date", "d", "", "only tasks for this date (YYYY-MM-DD)")
	return cmd
}

func createCmd(a *app) *cobra.Command {
	var (
		in     task.CreateInput
		parent string
		start  bool
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Name = args[0]
			if parent != "" {
				in.ParentID = &parent
			}
			if in.Date == "" {
				in.Date = time.Now().Format(time.DateOnly)
			}
			o, err := a.orchestrator(cmd.Context(), "")
			if err != nil {
				return err
			}
			t, err := o.Create(cmd.Context(), in, start)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "created task %s (%s)\n", t.ID, stateLabel(t))
			return nil
		},
	}
	cmd.Flags().StringVar(&parent, "parent", "", "parent task id")
	cmd.Flags().StringVarP(&in.CategoryPath, "category", "c", "", "category path, e.g. work/dev")
	cmd.Flags().StringVarP(&in.Date, "date", "d", "", "date (default today)")
	cmd.Flags().StringSliceVarP(&in.TagNames, "tag", "t", nil, "tag names")
	cmd.Flags().BoolVar(&start, "start", false, "start the timer right away")
	return cmd
}

func timerCmd(a *app, verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			o, err := a.orchestrator(ctx, "")
			if err != nil {
				return err
			}
			var t *task.Task
			switch verb {
			case "start":
				t, err = o.StartTimer(ctx, args[0])
			case "pause":
				t, err = o.PauseTimer(ctx, args[0])
			default:
				t, err = o.StopTimer(ctx, args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s  %s  %s  v%d\n", t.ID, stateLabel(t), formatSeconds(t.ElapsedTime), t.Version)
			return nil
		},
	}
}

func deleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task and all of its subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.orchestrator(cmd.Context(), "")
			if err != nil {
				return err
			}
			n, err := o.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "deleted %d task(s)\n", n)
			return nil
		},
	}
}

func activeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "Show the running or paused task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _, err := a.client()
			if err != nil {
				return err
			}
			t, err := c.Active(cmd.Context())
			if err != nil {
				return err
			}
			if t == nil {
				fmt.Fprintln(a.out, "no active task")
				return nil
			}
			fmt.Fprintf(a.out, "%s  %s  %s  %s\n", t.ID, t.Name, stateLabel(t), formatSeconds(liveElapsed(t)))
			return nil
		},
	}
}

func statsCmd(a *app) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise the task tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _, err := a.client()
			if err != nil {
				return err
			}
			st, err := c.Stats(cmd.Context(), date)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "tasks:          %d\n", st.TotalTasks)
			fmt.Fprintf(a.out, "top level:      %d\n", st.TopLevelTasks)
			fmt.Fprintf(a.out, "with subtasks:  %d\n", st.TasksWithChildren)
			fmt.Fprintf(a.out, "max depth:      %d\n", st.MaxDepth)
			fmt.Fprintf(a.out, "tracked time:   %s\n", formatSeconds(st.TotalTime))
			return nil
		},
	}
	cmd.Flags().StringVarP(&date, "date", "d", "", "only tasks for this date (YYYY-MM-DD)")
	return cmd
}

func categoriesCmd(a *app) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "categories",
		Short: "Show time per category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _, err := a.client()
			if err != nil {
				return err
			}
			groups, err := c.Categories(cmd.Context(), date)
			if err != nil {
				return err
			}
			printCategories(a.out, groups)
			return nil
		},
	}
	cmd.Flags().StringVarP(&date, "date", "d", "", "only tasks for this date (YYYY-MM-DD)")
	return cmd
}

func deviceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "device",
		Short: "Print this installation's device id",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			id, err := device.LoadOrCreate(cfg.DeviceFile())
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, id)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "tempo %s\n", version.String())
			return nil
		},
	}
}
