package main

import (
	"context"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/muurk/xcpgate/internal/client"
	"github.com/muurk/xcpgate/internal/ui"
)

var (
	accessSize int
	imageRef   string
)

var readCmd = &cobra.Command{
	Use:   "read <address|symbol>",
	Short: "Read target memory",
	Long: `Read a value from target memory.

The target is either a hex address (0x20000010) or a symbol from the
session's image. For symbols the size defaults to the element width.`,
	Example: `  xcpctl read 0x20000010 --size 16
  xcpctl read motor_speed --image app`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

var writeCmd = &cobra.Command{
	Use:   "write <address|symbol> <value>",
	Short: "Write target memory",
	Long: `Write a value to target memory.

The value is a decimal (signed values are two's complement in size bits)
or a 0b literal with exactly size digits.`,
	Example: `  xcpctl write 0x20000000 0b00000011 --size 8
  xcpctl write motor_speed 1500`,
	Args: cobra.ExactArgs(2),
	RunE: runWrite,
}

func init() {
	for _, c := range []*cobra.Command{readCmd, writeCmd} {
		c.Flags().IntVarP(&accessSize, "size", "s", 0, "Access width in bits (8, 16, 32, 64)")
		c.Flags().StringVar(&imageRef, "image", "", "Symbol image for the session")
	}
}

// parseTarget treats 0x literals as addresses and anything else as a symbol.
func parseTarget(arg string) client.Target {
	if strings.HasPrefix(strings.ToLower(arg), "0x") {
		return client.Target{Add: arg}
	}
	return client.Target{Sym: arg}
}

// withSession runs fn inside init/end on a fresh connection.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	c, _, err := connect(cmd, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	if _, err := c.Init(ctx, imageRef); err != nil {
		return err
	}
	if err := fn(ctx, c); err != nil {
		_ = c.End(ctx)
		return err
	}
	return c.End(ctx)
}

func accessParams(t client.Target) []ui.Param {
	params := []ui.Param{{Key: "Target", Value: t.String()}}
	if accessSize > 0 {
		params = append(params, ui.Param{Key: "Size", Value: strconv.Itoa(accessSize) + " bits"})
	}
	if imageRef != "" {
		params = append(params, ui.Param{Key: "Image", Value: imageRef})
	}
	return params
}

func runRead(cmd *cobra.Command, args []string) error {
	t := parseTarget(args[0])
	runner := ui.NewRunner(ui.RunnerConfig{
		Title:   "Memory Read",
		Command: "mem_read",
		Params:  accessParams(t),
		Output:  cmd.OutOrStdout(),
	})
	return runner.Run(func() ([]ui.Param, error) {
		var reply client.Response
		err := withSession(cmd, func(ctx context.Context, c *client.Client) error {
			var err error
			reply, err = c.Read(ctx, t, accessSize)
			return err
		})
		if err != nil {
			return nil, err
		}
		if verbose {
			runner.Printer().PrintFrame("mem_read", reply)
		}
		return replyDetails(reply, "Value"), nil
	})
}

func runWrite(cmd *cobra.Command, args []string) error {
	t := parseTarget(args[0])
	params := append(accessParams(t), ui.Param{Key: "Value", Value: args[1]})
	runner := ui.NewRunner(ui.RunnerConfig{
		Title:   "Memory Write",
		Command: "mem_write",
		Params:  params,
		Output:  cmd.OutOrStdout(),
	})
	return runner.Run(func() ([]ui.Param, error) {
		var reply client.Response
		err := withSession(cmd, func(ctx context.Context, c *client.Client) error {
			var err error
			reply, err = c.Write(ctx, t, accessSize, args[1])
			return err
		})
		if err != nil {
			return nil, err
		}
		if verbose {
			runner.Printer().PrintFrame("mem_write", reply)
		}
		return replyDetails(reply, "State"), nil
	})
}

func replyDetails(r client.Response, last string) []ui.Param {
	var details []ui.Param
	if sym := r.String("sym"); sym != "" {
		details = append(details, ui.Param{Key: "Symbol", Value: sym})
	}
	details = append(details, ui.Param{Key: "Address", Value: r.String("add")})
	if size := r.String("size"); size != "" {
		details = append(details, ui.Param{Key: "Size", Value: size + " bits"})
	}
	switch last {
	case "Value":
		details = append(details, ui.Param{Key: "Value", Value: r.String("value")})
	case "State":
		details = append(details, ui.Param{Key: "State", Value: r.State()})
	}
	return details
}
