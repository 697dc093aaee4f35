package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/erash/pkg/client"
	"github.com/spf13/cobra"
)

var wipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Start, follow and cancel wipe operations",
}

func init() {
	wipeCmd.AddCommand(wipeStartCmd)
	wipeCmd.AddCommand(wipeStatusCmd)
	wipeCmd.AddCommand(wipeLogsCmd)
	wipeCmd.AddCommand(wipeCancelCmd)
	wipeCmd.AddCommand(wipeListCmd)
}

// ── wipe start ───────────────────────────────────────────────────────────────

var (
	startMethod string
	startMode   string
	startVerify bool
	startYes    bool
	startFollow bool
	startPoll   time.Duration
)

var wipeStartCmd = &cobra.Command{
	Use:   "start <device>",
	Short: "Start a wipe operation",
	Long: `start asks erashd to overwrite a device.

Simulated mode (the default) writes nothing. Real mode destroys all data on
the device; you are asked to type the device path unless --yes is given.

  erash wipe start /dev/sdb --method dod-3 --follow
  erash wipe start /dev/sdb --method zero --mode real --yes`,
	Args: cobra.ExactArgs(1),
	RunE: runWipeStart,
}

func init() {
	wipeStartCmd.Flags().StringVar(&startMethod, "method", "zero", "Wipe method: zero, random, dod-3, dod-7 or gutmann")
	wipeStartCmd.Flags().StringVar(&startMode, "mode", "simulated", "Wipe mode: simulated or real")
	wipeStartCmd.Flags().BoolVar(&startVerify, "verify", false, "Verify the last pass")
	wipeStartCmd.Flags().BoolVarP(&startYes, "yes", "y", false, "Skip the confirmation prompt for real mode")
	wipeStartCmd.Flags().BoolVarP(&startFollow, "follow", "f", false, "Stream the wipe log until the operation finishes")
	wipeStartCmd.Flags().DurationVar(&startPoll, "poll", time.Second, "Log polling interval with --follow")
}

func runWipeStart(cmd *cobra.Command, args []string) error {
	device := args[0]
	out := cmd.OutOrStdout()

	confirm := false
	if strings.EqualFold(startMode, "real") {
		if !startYes {
			ok, err := confirmDevice(cmd.InOrStdin(), out, device)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(out, "Aborted.")
				return nil
			}
		}
		confirm = true
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	id, err := c.StartWipe(context.Background(), client.StartWipeRequest{
		DevicePath: device,
		Method:     startMethod,
		Mode:       startMode,
		Verify:     startVerify,
		Confirm:    confirm,
	})
	if err != nil {
		return fmt.Errorf("start wipe: %w", err)
	}

	if !startFollow {
		if ok, err := render(out, map[string]string{"wipe_id": id}); ok {
			return err
		}
		fmt.Fprintf(out, "✓ Wipe started: %s\n", id)
		fmt.Fprintf(out, "\nFollow with: erash wipe logs %s --follow\n", id)
		return nil
	}
	fmt.Fprintf(out, "✓ Wipe started: %s\n\n", id)
	return follow(cmd, c, id, startPoll)
}

// confirmDevice asks the operator to type the device path back.
func confirmDevice(in io.Reader, out io.Writer, device string) (bool, error) {
	fmt.Fprintf(out, "WARNING: real mode permanently destroys all data on %s.\n", device)
	fmt.Fprintf(out, "Type the device path to confirm: ")
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	return strings.TrimSpace(answer) == device, nil
}

// follow streams log lines until the operation is terminal. Ctrl-C stops
// following without cancelling the wipe.
func follow(cmd *cobra.Command, c *client.Client, id string, every time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	op, err := c.FollowWipe(ctx, id, every, func(l client.LogLine) {
		fmt.Fprintf(out, "[%s] %s\n", l.Timestamp.Local().Format("15:04:05"), l.Message)
	})
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintf(out, "\nStopped following; the wipe keeps running. Resume with: erash wipe logs %s --follow\n", id)
			return nil
		}
		return fmt.Errorf("follow wipe: %w", err)
	}

	fmt.Fprintln(out)
	if op.Status == "failed" {
		return fmt.Errorf("wipe %s failed: %s", id, op.Error)
	}
	fmt.Fprintf(out, "✓ Wipe %s completed\n", id)
	fmt.Fprintf(out, "\nIssue a certificate with: erash cert generate %s --ledger\n", id)
	return nil
}

// ── wipe status ──────────────────────────────────────────────────────────────

var wipeStatusCmd = &cobra.Command{
	Use:   "status <wipe-id>",
	Short: "Show the status of a wipe operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		op, err := c.WipeStatus(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("wipe status: %w", err)
		}
		if ok, err := render(cmd.OutOrStdout(), op); ok {
			return err
		}
		printOperation(cmd.OutOrStdout(), op)
		return nil
	},
}

func printOperation(w io.Writer, op *client.Operation) {
	fmt.Fprintf(w, "ID:        %s\n", op.ID)
	fmt.Fprintf(w, "Device:    %s (%s, serial %s)\n", op.DevicePath, orDash(op.Device.Model), orDash(op.Device.Serial))
	fmt.Fprintf(w, "Method:    %s\n", op.Method)
	fmt.Fprintf(w, "Mode:      %s\n", op.Mode)
	fmt.Fprintf(w, "Status:    %s\n", op.Status)
	fmt.Fprintf(w, "Progress:  %d%%\n", op.Progress)
	fmt.Fprintf(w, "Started:   %s\n", formatTime(op.StartedAt))
	fmt.Fprintf(w, "Ended:     %s\n", formatTime(op.EndedAt))
	if op.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", op.Error)
	}
}

// ── wipe logs ────────────────────────────────────────────────────────────────

var (
	logsSince  int
	logsFollow bool
	logsPoll   time.Duration
)

var wipeLogsCmd = &cobra.Command{
	Use:   "logs <wipe-id>",
	Short: "Print the log of a wipe operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if logsFollow {
			return follow(cmd, c, args[0], logsPoll)
		}
		page, err := c.WipeLogs(context.Background(), args[0], logsSince)
		if err != nil {
			return fmt.Errorf("wipe logs: %w", err)
		}
		if ok, err := render(cmd.OutOrStdout(), page); ok {
			return err
		}
		out := cmd.OutOrStdout()
		if page.Truncated {
			fmt.Fprintf(out, "(lines before %d were evicted)\n", page.FirstIndex)
		}
		for _, l := range page.Logs {
			fmt.Fprintf(out, "%5d  [%s] %s\n", l.Index, l.Timestamp.Local().Format("15:04:05"), l.Message)
		}
		fmt.Fprintf(out, "-- %s, %d%%, next index %d\n", page.Status, page.Progress, page.NextIndex)
		return nil
	},
}

func init() {
	wipeLogsCmd.Flags().IntVar(&logsSince, "since", 0, "First log index to print")
	wipeLogsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Stream new lines until the operation finishes")
	wipeLogsCmd.Flags().DurationVar(&logsPoll, "poll", time.Second, "Polling interval with --follow")
}

// ── wipe cancel ──────────────────────────────────────────────────────────────

var wipeCancelCmd = &cobra.Command{
	Use:   "cancel <wipe-id>",
	Short: "Cancel a pending or running wipe",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		status, err := c.CancelWipe(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("cancel wipe: %w", err)
		}
		if ok, err := render(cmd.OutOrStdout(), map[string]string{"wipe_id": args[0], "status": status}); ok {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Wipe %s cancelled (%s)\n", args[0], status)
		return nil
	},
}

// ── wipe list ────────────────────────────────────────────────────────────────

var wipeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List wipe operations, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ops, err := c.ListWipes(context.Background())
		if err != nil {
			return fmt.Errorf("list wipes: %w", err)
		}
		if ok, err := render(cmd.OutOrStdout(), ops); ok {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDEVICE\tMETHOD\tMODE\tSTATUS\tPROGRESS\tCREATED")
		for _, op := range ops {
			created := op.CreatedAt
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d%%\t%s\n",
				op.ID, op.DevicePath, op.Method, op.Mode, op.Status, op.Progress, formatTime(&created))
		}
		return w.Flush()
	},
}
