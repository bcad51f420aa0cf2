package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ent0n29/humanloop/internal/app"
	"github.com/ent0n29/humanloop/internal/tasklist"
)

var tasklistsFlags struct {
	open   bool
	asJSON bool
}

var tasklistsCmd = &cobra.Command{
	Use:     "tasklists",
	Aliases: []string{"tasks"},
	Short:   "Inspect agent task lists",
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var tasklistsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List task lists, most recently active first",
	Run:   runTasklistsList,
}

var tasklistsShowCmd = &cobra.Command{
	Use:   "show <list-id>",
	Short: "Show the tasks and comments of one list",
	Args:  cobra.ExactArgs(1),
	Run:   runTasklistsShow,
}

var tasklistsDeleteCmd = &cobra.Command{
	Use:   "delete <list-id>",
	Short: "Delete a task list",
	Args:  cobra.ExactArgs(1),
	Run:   runTasklistsDelete,
}

func init() {
	tasklistsListCmd.Flags().BoolVar(&tasklistsFlags.open, "open", false, "only lists that are not closed")
	tasklistsListCmd.Flags().BoolVar(&tasklistsFlags.asJSON, "json", false, "print JSON")
	tasklistsShowCmd.Flags().BoolVar(&tasklistsFlags.asJSON, "json", false, "print JSON")

	tasklistsCmd.AddCommand(tasklistsListCmd)
	tasklistsCmd.AddCommand(tasklistsShowCmd)
	tasklistsCmd.AddCommand(tasklistsDeleteCmd)
}

func runTasklistsList(cmd *cobra.Command, _ []string) {
	withStores(cmd, func(ctx context.Context, stores *app.Stores) error {
		var (
			lists []tasklist.Session
			err   error
		)
		if tasklistsFlags.open {
			lists, err = stores.TaskLists.GetOpenSessions(ctx)
		} else {
			lists, err = stores.TaskLists.ListSessions(ctx)
		}
		if err != nil {
			return err
		}
		if tasklistsFlags.asJSON {
			return printJSON(cmd.OutOrStdout(), lists)
		}
		if len(lists) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No task lists.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tPROGRESS\tSTATE\tLAST ACTIVITY")
		for _, sess := range lists {
			done, total := sess.Counts()
			state := color.GreenString("open")
			if sess.Closed {
				state = color.New(color.Faint).Sprint("closed")
			}
			fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\n",
				sess.ID, sess.Title, done, total, state,
				sess.LastActivity.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	})
}

func runTasklistsShow(cmd *cobra.Command, args []string) {
	withStores(cmd, func(ctx context.Context, stores *app.Stores) error {
		sess, err := stores.TaskLists.GetSession(ctx, args[0])
		if err != nil {
			return err
		}
		if tasklistsFlags.asJSON {
			return printJSON(cmd.OutOrStdout(), sess)
		}
		printSession(cmd.OutOrStdout(), sess)
		return nil
	})
}

func printSession(out io.Writer, sess tasklist.Session) {
	done, total := sess.Counts()
	color.New(color.Bold).Fprintf(out, "%s", sess.Title)
	fmt.Fprintf(out, "  (%d/%d)\n", done, total)
	for i, task := range sess.Tasks {
		marker := "[ ]"
		switch task.Status {
		case tasklist.TaskStatusCompleted:
			marker = color.GreenString("[x]")
		case tasklist.TaskStatusInProgress:
			marker = color.CyanString("[>]")
		case tasklist.TaskStatusBlocked:
			marker = color.YellowString("[!]")
		}
		fmt.Fprintf(out, "%2d. %s %s", i+1, marker, task.Title)
		if task.Breakpoint {
			fmt.Fprint(out, color.RedString(" (breakpoint)"))
		}
		fmt.Fprintln(out)
		for _, c := range task.Comments {
			label := "pending"
			if c.Status == tasklist.CommentStatusSent {
				label = "sent"
			}
			fmt.Fprintf(out, "      - [%s] %s\n", label, c.RevisorInstructions)
		}
	}
}

func runTasklistsDelete(cmd *cobra.Command, args []string) {
	withStores(cmd, func(ctx context.Context, stores *app.Stores) error {
		ok, err := stores.TaskLists.DeleteSession(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return tasklist.ErrSessionNotFound
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	})
}
