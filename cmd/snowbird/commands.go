package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"snowbird/pkg/fuse"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const requestTimeout = 5 * time.Minute

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of the running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			c, err := newClient(logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			groups, err := c.Groups(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]interface{}{"status": st, "groups": len(groups)})
			}

			state := okStyle.Render(st.ServiceStatus)
			if st.ServiceStatus == "error" {
				state = dangerStyle.Render(st.ServiceStatus)
			}
			fmt.Println(titleStyle.Render("Snowbird"))
			fmt.Println(field("Server", okStyle.Render(st.Status)))
			fmt.Println(field("Version", st.Version))
			fmt.Println(field("Service", state))
			fmt.Println(field("Since", st.Since.Local().Format(time.RFC3339)))
			fmt.Println(field("Groups", fmt.Sprintf("%d", len(groups))))
			return nil
		},
	}
}

func groupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List joined groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			c, err := newClient(logger)
			if err != nil {
				return err
			}
			groups, err := c.Groups(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(groups)
			}

			t := newTable(primaryColor, "KEY", "NAME", "SHARE URL")
			for _, g := range groups {
				name := g.Name
				if name == "" {
					name = mutedStyle.Render("(unnamed)")
				}
				t.Row(g.Key, name, g.URI)
			}
			fmt.Println(t.Render())
			return nil
		},
	}
}

func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a group and print its share URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			c, err := newClient(logger)
			if err != nil {
				return err
			}
			g, err := c.CreateGroup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(g)
			}
			fmt.Println(okStyle.Render("Group created"))
			fmt.Println(field("Key", g.Key))
			fmt.Println(field("Share URL", g.URI))
			return nil
		},
	}
}

func joinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <share-url>",
		Short: "Join a group from its share URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			c, err := newClient(logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			g, err := c.Join(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(g)
			}
			fmt.Println(okStyle.Render("Joined group"))
			fmt.Println(field("Key", g.Key))
			if g.Name != "" {
				fmt.Println(field("Name", g.Name))
			}
			return nil
		},
	}
}

func reposCmd() *cobra.Command {
	var create string

	cmd := &cobra.Command{
		Use:   "repos <group-key>",
		Short: "List the repos of a group, or create one with --create",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			c, err := newClient(logger)
			if err != nil {
				return err
			}
			if create != "" {
				if _, err := c.CreateRepo(cmd.Context(), args[0], create); err != nil {
					return err
				}
			}

			repos, err := c.Repos(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(repos)
			}

			t := newTable(accentColor, "ID", "NAME", "ACCESS", "MANIFEST")
			for _, r := range repos {
				t.Row(r.ID, r.Name, yesNo(r.CanWrite, "WRITABLE", "read-only"), shortID(r.RepoHash))
			}
			fmt.Println(t.Render())
			return nil
		},
	}

	cmd.Flags().StringVar(&create, "create", "", "create a writable repo with this name first")
	return cmd
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <group-key>",
		Short: "Fetch every repo's latest content from peers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			c, err := newClient(logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			start := time.Now()
			report, err := c.Refresh(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(report)
			}

			t := newTable(warningColor, "REPO", "NAME", "FILES", "FETCHED", "RESULT")
			for _, r := range report.Repos {
				result := okStyle.Render("ok")
				if r.Failed() {
					result = dangerStyle.Render(r.Error)
				}
				t.Row(shortID(r.RepoID), r.Name,
					fmt.Sprintf("%d", len(r.AllFiles)),
					fmt.Sprintf("%d", len(r.RefreshedFiles)),
					result)
			}
			fmt.Println(t.Render())

			summary := fmt.Sprintf("%d repos, %d files fetched in %s",
				len(report.Repos), report.RefreshedCount(), time.Since(start).Round(time.Millisecond))
			if report.FailedCount() > 0 {
				fmt.Println(warnStyle.Render(summary + fmt.Sprintf(", %d failed", report.FailedCount())))
				return nil
			}
			fmt.Println(okStyle.Render(summary))
			return nil
		},
	}
}

func mountCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "mount <group-key> <mountpoint>",
		Short: "Mount a group read-only",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			c, err := newClient(logger)
			if err != nil {
				return err
			}
			if _, err := c.Group(cmd.Context(), args[0]); err != nil {
				return err
			}

			root := fuse.NewGroupFS(c, args[0], logger.Named("fuse"))
			srv, err := fuse.Mount(args[1], root, debug)
			if err != nil {
				return err
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				logger.Info("Unmounting", zap.String("mountpoint", args[1]))
				if err := srv.Unmount(); err != nil {
					logger.Warn("Unmount failed", zap.Error(err))
				}
			}()

			srv.Wait()
			return nil
		},
	}

	cmd.Flags().BoolVar(&debug, "fuse-debug", false, "log every FUSE request")
	return cmd
}
