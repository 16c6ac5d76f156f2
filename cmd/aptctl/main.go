// Command aptctl drives a Thorlabs APT controller from the shell.
//
//	aptctl --addr /dev/ttyUSB0 --dest bay0 enable on
//	aptctl --addr /dev/ttyUSB0 --dest bay0 home
//	aptctl --addr /dev/ttyUSB0 --dest bay0 move 20000
//	aptctl --addr 192.168.100.40:2003 --tcp --dest bay1 listen --raw
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tarm/serial"
	"github.com/theckman/yacspin"

	"github.com/nasa-jpl/golab-apt/comm"
	"github.com/nasa-jpl/golab-apt/thorlabs/apt"
)

// Version is the version number.  Typically injected via ldflags with git build
var Version = "1"

type app struct {
	// flags
	addr    string
	tcp     bool
	mock    bool
	dest    string
	channel int
	timeout time.Duration
	wait    time.Duration
	verbose bool

	// set during PersistentPreRunE
	ctl *apt.Controller
	to  apt.Address
	ch  apt.Channel
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "aptctl",
		Short: "aptctl drives Thorlabs APT motion controllers",
		Long: `aptctl speaks the Thorlabs APT protocol to BBD series rack controllers and
other APT devices, over RS232 or a terminal server.  Positions are in raw
encoder counts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.connect()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.ctl == nil {
				return nil
			}
			return a.ctl.Close()
		},
	}
	f := root.PersistentFlags()
	f.StringVar(&a.addr, "addr", "", "serial port, or host:port with --tcp")
	f.BoolVar(&a.tcp, "tcp", false, "connect through a terminal server instead of a serial port")
	f.BoolVar(&a.mock, "mock", false, "talk to a simulated rack with cards in bays 0-2")
	f.StringVar(&a.dest, "dest", "bay0", "module to address: bay0..bay9, motherboard, usb, or a number")
	f.IntVar(&a.channel, "channel", 1, "motor channel within the module")
	f.DurationVar(&a.timeout, "timeout", 3*time.Second, "reply timeout")
	f.DurationVar(&a.wait, "wait", 2*time.Minute, "longest wait for a home or move to finish")
	f.BoolVarP(&a.verbose, "verbose", "v", false, "log protocol events to stderr")

	root.AddCommand(
		a.versionCmd(),
		a.identifyCmd(),
		a.enableCmd(),
		a.homeCmd(),
		a.moveCmd(),
		a.jogCmd(),
		a.stopCmd(),
		a.stateCmd(),
		a.infoCmd(),
		a.baysCmd(),
		a.listenCmd(),
	)
	return root
}

func (a *app) connect() error {
	dest, err := apt.ParseAddress(a.dest)
	if err != nil {
		return err
	}
	a.to = dest
	a.ch = apt.Channel(a.channel)

	var rw io.ReadWriteCloser
	switch {
	case a.mock:
		rw = apt.NewMockRack(0, 1, 2)
	case a.addr == "":
		return fmt.Errorf("no address given, use --addr or --mock")
	default:
		var cfg *serial.Config
		if !a.tcp {
			cfg = apt.SerialConf(a.addr)
		}
		rd := comm.NewRemoteDevice(a.addr, !a.tcp, cfg)
		if err := rd.Open(); err != nil {
			return err
		}
		rw = &rd
	}
	cfg := apt.DefaultConfig()
	cfg.Name = "aptctl"
	cfg.Timeout = a.timeout
	cfg.Logger = log.New(io.Discard, "", 0)
	if a.verbose {
		cfg.Logger = log.New(os.Stderr, "aptctl ", log.LstdFlags)
	}
	a.ctl = apt.NewController(rw, cfg)
	return nil
}

// spin runs fn with a spinner on the terminal.  When the output is not a
// terminal fn just runs.
func (a *app) spin(cmd *cobra.Command, msg string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), a.wait)
	defer cancel()
	out, ok := cmd.OutOrStdout().(*os.File)
	if !ok {
		return fn(ctx)
	}
	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           msg,
		StopCharacter:     "done",
		StopFailCharacter: "failed",
		Writer:            out,
	})
	if err != nil {
		return fn(ctx)
	}
	spinner.Start()
	err = fn(ctx)
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		return err
	}
	spinner.Stop()
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
