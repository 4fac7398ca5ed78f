package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List or restore branch backups",
	Long: `Backups are taken before every merge or delete and pinned under
refs/tiergate/backups/. Listing and restoring across invocations needs the sqlite store.`,
}

var backupsListCmd = &cobra.Command{
	Use:   "list [subject]",
	Short: "List backups, oldest first",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBackupsList,
}

var backupsRestoreCmd = &cobra.Command{
	Use:   "restore <subject>",
	Short: "Force the subject branch back to its most recent backup",
	Long: `Restore pushes the most recent backup of subject to the remote. If the branch did not
exist when the backup was taken it is deleted instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runBackupsRestore,
}

func init() {
	backupsCmd.AddCommand(backupsListCmd)
	backupsCmd.AddCommand(backupsRestoreCmd)
}

func runBackupsList(cmd *cobra.Command, args []string) error {
	a, cleanup, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := a.requireStore(); err != nil {
		return err
	}

	subject := ""
	if len(args) == 1 {
		subject = args[0]
	}
	recs, err := a.backups.List(cmd.Context(), subject)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(recs) == 0 {
		fmt.Fprintln(out, "No backups.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SUBJECT\tCOMMIT\tCREATED\tID")
	for _, r := range recs {
		commit := r.Commit
		if commit == "" {
			commit = "(absent)"
		} else if len(commit) > 12 {
			commit = commit[:12]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Subject, commit, r.CreatedAt.Local().Format(time.DateTime), r.ID)
	}
	return tw.Flush()
}

func runBackupsRestore(cmd *cobra.Command, args []string) error {
	a, cleanup, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer cleanup()
	if err := a.requireStore(); err != nil {
		return err
	}

	subject := args[0]
	rec, err := a.backups.Restore(cmd.Context(), subject)
	if err != nil {
		return err
	}
	if rec.Commit == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s (it did not exist at backup %s)\n", subject, rec.ID)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Restored %s to %s (backup %s)\n", subject, rec.Commit, rec.ID)
	return nil
}
