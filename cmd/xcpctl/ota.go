package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/muurk/xcpgate/internal/client"
	"github.com/muurk/xcpgate/internal/ui"
)

var (
	chunkSize  int
	assumeYes  bool
	plainTrace bool
)

var otaCmd = &cobra.Command{
	Use:   "ota",
	Short: "Manage OTA firmware transfers",
	Long: `Push firmware images to the target through the gateway.

Transfers belong to the con_id. A push interrupted by a lost connection
pauses on the gateway and can be continued with 'xcpctl ota resume' using
the same --con-id.`,
}

var otaPushCmd = &cobra.Command{
	Use:   "push <firmware.bin>",
	Short: "Push a firmware image",
	Example: `  xcpctl ota push build/app.bin
  xcpctl ota push build/app.bin --chunk-size 512 --yes`,
	Args: cobra.ExactArgs(1),
	RunE: runOTAPush,
}

var otaResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused transfer",
	Args:  cobra.NoArgs,
	RunE:  runOTAResume,
}

var otaCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the transfer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return otaOneShot(cmd, "OTA Cancel", "ota_cancel", (*client.Client).OTACancel)
	},
}

var otaStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the transfer state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return otaOneShot(cmd, "OTA Status", "ota_status", (*client.Client).OTAStatus)
	},
}

func init() {
	otaPushCmd.Flags().IntVar(&chunkSize, "chunk-size", 0, "Chunk size in bytes (gateway default when 0)")
	otaPushCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Skip the confirmation prompt")
	for _, c := range []*cobra.Command{otaPushCmd, otaResumeCmd} {
		c.Flags().BoolVar(&plainTrace, "plain", false, "Print progress as lines instead of a live bar")
	}

	otaCmd.AddCommand(otaPushCmd)
	otaCmd.AddCommand(otaResumeCmd)
	otaCmd.AddCommand(otaCancelCmd)
	otaCmd.AddCommand(otaStatusCmd)
}

// tracker feeds ota events into a progress display, started lazily once
// the total chunk count is known.
type tracker struct {
	cmd      *cobra.Command
	label    string
	progress *ui.TransferProgress
	acked    int
	total    int
	resuming bool
}

func (t *tracker) observe(r client.Response) {
	if total := r.Int("total_chunks"); total > 0 {
		t.total = total
	}
	if t.progress == nil && t.total > 0 {
		plain := plainTrace || !ui.IsTerminal()
		t.progress = ui.StartTransferProgress(t.cmd.OutOrStdout(), t.label, t.total, plain)
	}
	if t.progress == nil {
		return
	}
	if r.State() != "progress" {
		return
	}
	i := r.Int("chunk_index")
	if i < 0 {
		return
	}
	// The first event after a resume carries the resume point.
	if t.resuming {
		t.resuming = false
		t.acked = i
		t.progress.Update(t.acked, t.total, "resumed")
		return
	}
	t.acked = i + 1
	t.progress.Update(t.acked, t.total, "")
}

func (t *tracker) stop() {
	if t.progress != nil {
		t.progress.Stop()
	}
}

func transferDetails(r client.Response) ([]ui.Param, error) {
	details := []ui.Param{{Key: "State", Value: r.State()}}
	if n := r.Int("total_chunks"); n >= 0 {
		details = append(details, ui.Param{Key: "Chunks", Value: strconv.Itoa(n)})
	}
	if sum := r.String("checksum"); sum != "" {
		details = append(details, ui.Param{Key: "Checksum", Value: sum})
	}
	if r.State() != "completed" {
		reason := r.String("reason")
		if reason == "" {
			reason = r.State()
		}
		return details, &client.RemoteError{Reason: reason, Context: map[string]string{"state": r.State()}}
	}
	return details, nil
}

func runOTAPush(cmd *cobra.Command, args []string) error {
	image, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read firmware: %w", err)
	}
	if !assumeYes && !ui.FirmwarePushConfirmation(cmd.InOrStdin(), cmd.OutOrStdout(), filepath.Base(args[0]), len(image)) {
		return fmt.Errorf("firmware push aborted")
	}

	c, _, err := connect(cmd, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	params := []ui.Param{
		{Key: "Image", Value: filepath.Base(args[0])},
		{Key: "Size", Value: strconv.Itoa(len(image)) + " bytes"},
		{Key: "Con ID", Value: c.ConID()},
	}
	runner := ui.NewRunner(ui.RunnerConfig{Title: "OTA Push", Command: "ota_start", Params: params, Output: cmd.OutOrStdout()})
	return runner.Run(func() ([]ui.Param, error) {
		t := &tracker{cmd: cmd, label: "Transferring " + filepath.Base(args[0])}
		final, err := c.OTAStart(cmd.Context(), image, chunkSize, t.observe)
		t.stop()
		if err != nil {
			return nil, err
		}
		return transferDetails(final)
	})
}

func runOTAResume(cmd *cobra.Command, args []string) error {
	c, _, err := connect(cmd, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	runner := ui.NewRunner(ui.RunnerConfig{
		Title:   "OTA Resume",
		Command: "ota_resume",
		Params:  []ui.Param{{Key: "Con ID", Value: c.ConID()}},
		Output:  cmd.OutOrStdout(),
	})
	return runner.Run(func() ([]ui.Param, error) {
		t := &tracker{cmd: cmd, label: "Resuming transfer", resuming: true}
		final, err := c.OTAResume(cmd.Context(), t.observe)
		t.stop()
		if err != nil {
			return nil, err
		}
		return transferDetails(final)
	})
}

func otaOneShot(cmd *cobra.Command, title, command string, op func(*client.Client, context.Context) (client.Response, error)) error {
	c, _, err := connect(cmd, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	runner := ui.NewRunner(ui.RunnerConfig{
		Title:   title,
		Command: command,
		Params:  []ui.Param{{Key: "Con ID", Value: c.ConID()}},
		Output:  cmd.OutOrStdout(),
	})
	return runner.Run(func() ([]ui.Param, error) {
		r, err := op(c, cmd.Context())
		if err != nil {
			return nil, err
		}
		if verbose {
			runner.Printer().PrintFrame("ota", r)
		}
		details := []ui.Param{{Key: "State", Value: r.State()}}
		if total := r.Int("total_chunks"); total >= 0 {
			details = append(details, ui.Param{Key: "Progress", Value: fmt.Sprintf("%d/%d chunks", r.Int("acked"), total)})
		}
		if reason := r.String("reason"); reason != "" {
			details = append(details, ui.Param{Key: "Reason", Value: reason})
		}
		if r.String("detached") == "true" {
			details = append(details, ui.Param{Key: "Paused", Value: "yes, resume with: xcpctl ota resume"})
		}
		return details, nil
	})
}
