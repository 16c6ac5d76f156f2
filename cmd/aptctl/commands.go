package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/nasa-jpl/golab-apt/thorlabs/apt"
)

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the version number",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "aptctl version %s\n", Version)
			return nil
		},
	}
}

func (a *app) identifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identify",
		Short: "flash the front panel LED of the module",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.ctl.Identify(cmd.Context(), a.to, a.ch); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "identify sent to %s\n", a.to)
			return nil
		},
	}
}

func (a *app) enableCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "enable [on|off]",
		Short:     "energize or release the motor, or print whether it is enabled",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) == 1 {
				var on bool
				switch args[0] {
				case "on", "true", "1":
					on = true
				case "off", "false", "0":
				default:
					return fmt.Errorf("enable takes on or off, not %q", args[0])
				}
				if err := a.ctl.SetChannelEnabled(ctx, a.to, a.ch, on); err != nil {
					return err
				}
			}
			on, err := a.ctl.GetChannelEnabled(ctx, a.to, a.ch)
			if err != nil {
				return err
			}
			word := "disabled"
			if on {
				word = "enabled"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s channel %d %s\n", a.to, a.ch, word)
			return nil
		},
	}
}

func (a *app) homeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "home",
		Short: "home the channel and wait for it to finish",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := a.spin(cmd, "homing", func(ctx context.Context) error {
				if err := a.ctl.MoveHome(ctx, a.to, a.ch); err != nil {
					return err
				}
				return a.ctl.WaitHomed(ctx, a.to, a.ch)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s channel %d homed\n", a.to, a.ch)
			return nil
		},
	}
}

func (a *app) moveCmd() *cobra.Command {
	var relative bool
	cmd := &cobra.Command{
		Use:   "move <counts>",
		Short: "move to an absolute position, or by a distance with --relative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.ParseInt(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("bad position %q: %w", args[0], err)
			}
			err = a.spin(cmd, "moving", func(ctx context.Context) error {
				var err error
				if relative {
					err = a.ctl.MoveRelative(ctx, a.to, a.ch, int32(n))
				} else {
					err = a.ctl.MoveAbsolute(ctx, a.to, a.ch, int32(n))
				}
				if err != nil {
					return err
				}
				return a.ctl.WaitMoved(ctx, a.to, a.ch)
			})
			if err != nil {
				return err
			}
			return a.printPosition(cmd)
		},
	}
	cmd.Flags().BoolVarP(&relative, "relative", "r", false, "move by the given distance")
	return cmd
}

func (a *app) jogCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "jog <forward|reverse>",
		Short:     "jog one step in the given direction",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"forward", "reverse"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var dir apt.Direction
			switch args[0] {
			case "forward", "+":
				dir = apt.Forward
			case "reverse", "-":
				dir = apt.Reverse
			default:
				return fmt.Errorf("jog takes forward or reverse, not %q", args[0])
			}
			err := a.spin(cmd, "jogging", func(ctx context.Context) error {
				if err := a.ctl.MoveJog(ctx, a.to, a.ch, dir); err != nil {
					return err
				}
				return a.ctl.WaitMoved(ctx, a.to, a.ch)
			})
			if err != nil {
				return err
			}
			return a.printPosition(cmd)
		},
	}
}

func (a *app) stopCmd() *cobra.Command {
	var immediate bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "stop motion on the channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := apt.StopProfiled
			if immediate {
				mode = apt.StopImmediate
			}
			if err := a.ctl.MoveStop(cmd.Context(), a.to, a.ch, mode); err != nil {
				return err
			}
			return a.printPosition(cmd)
		},
	}
	cmd.Flags().BoolVar(&immediate, "immediate", false, "stop abruptly instead of decelerating")
	return cmd
}

func (a *app) printPosition(cmd *cobra.Command) error {
	st, err := a.ctl.GetStatus(cmd.Context(), a.to, a.ch)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s channel %d position %d\n", a.to, a.ch, st.Position)
	return nil
}

func (a *app) stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "print the status of the channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.ctl.GetStatus(ctx, a.to, a.ch)
			if err != nil {
				return err
			}
			vel, err := a.ctl.GetVelocityParams(ctx, a.to, a.ch)
			if err != nil {
				return err
			}
			snap := a.ctl.Snapshot(a.to, a.ch)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "module:      %s\n", a.to)
			fmt.Fprintf(out, "channel:     %d\n", a.ch)
			fmt.Fprintf(out, "state:       %s\n", snap.State)
			fmt.Fprintf(out, "enabled:     %t\n", st.Bits.Enabled())
			fmt.Fprintf(out, "homed:       %t\n", st.Bits.Homed())
			fmt.Fprintf(out, "moving:      %t\n", st.Bits.Moving())
			fmt.Fprintf(out, "in position: %t\n", st.Bits.InPosition())
			fmt.Fprintf(out, "limits:      cw=%t ccw=%t\n", st.Bits.CWLimit(), st.Bits.CCWLimit())
			fmt.Fprintf(out, "position:    %d\n", st.Position)
			fmt.Fprintf(out, "velocity:    %d\n", st.Velocity)
			fmt.Fprintf(out, "current:     %d\n", st.MotorCurrent)
			fmt.Fprintf(out, "max vel:     %d\n", vel.MaxVel)
			fmt.Fprintf(out, "accel:       %d\n", vel.Accn)
			return nil
		},
	}
}

func (a *app) infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "print the hardware information of the module",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := a.ctl.HardwareInfo(cmd.Context(), a.to)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "model:    %s\n", info.ModelNumber)
			fmt.Fprintf(out, "serial:   %d\n", info.SerialNumber)
			fmt.Fprintf(out, "firmware: %s\n", info.Firmware())
			fmt.Fprintf(out, "hardware: %d\n", info.HWVersion)
			fmt.Fprintf(out, "channels: %d\n", info.NumChannels)
			fmt.Fprintf(out, "notes:    %s\n", info.Notes)
			return nil
		},
	}
}

func (a *app) baysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bays",
		Short: "list which bays of a rack hold a card",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for i := 0; i < 10; i++ {
				used, err := a.ctl.RackBayUsed(cmd.Context(), i)
				if err != nil {
					return err
				}
				word := "empty"
				if used {
					word = "used"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "bay%d: %s\n", i, word)
			}
			return nil
		},
	}
}

func (a *app) listenCmd() *cobra.Command {
	var (
		raw      bool
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "start status updates and print them until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			notes, unsubscribe := a.ctl.Subscribe()
			defer unsubscribe()
			if err := a.ctl.StartUpdates(cmd.Context(), a.to); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for {
				select {
				case n, ok := <-notes:
					if !ok {
						return a.ctl.Err()
					}
					if raw {
						spew.Fdump(out, n.Frame)
						continue
					}
					line := fmt.Sprintf("%s %s", n.Time.Format("15:04:05.000"), n.Frame.ID)
					if n.Channel != 0 {
						line += fmt.Sprintf(" %s/%d %s", n.Dest, n.Channel, n.State)
					}
					if n.Status != nil {
						line += fmt.Sprintf(" pos=%d", n.Status.Position)
					}
					if n.Err != nil {
						line += " err=" + n.Err.Error()
					}
					fmt.Fprintln(out, line)
				case <-ctx.Done():
					sctx, cancel := context.WithTimeout(context.Background(), a.timeout)
					defer cancel()
					return a.ctl.StopUpdates(sctx, a.to)
				}
			}
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "dump each frame in full")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop listening after this long")
	return cmd
}
