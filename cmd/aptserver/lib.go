package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tarm/serial"

	"github.com/nasa-jpl/golab-apt/comm"
	"github.com/nasa-jpl/golab-apt/generichttp"
	"github.com/nasa-jpl/golab-apt/generichttp/motion"
	"github.com/nasa-jpl/golab-apt/server/middleware/locker"
	"github.com/nasa-jpl/golab-apt/thorlabs/apt"
	"github.com/nasa-jpl/golab-apt/util"
)

// AxisSetup places a named axis on a module channel
type AxisSetup struct {
	// Dest is the module, e.g. bay0, usb, or 0x21
	Dest string `yaml:"Dest"`

	// Channel is the motor channel within the module, 1 if omitted
	Channel int `yaml:"Channel"`

	// Scale converts real units to device units
	Scale apt.Scale `yaml:"Scale"`

	// Limits are software limits on the position, in real units
	Limits *util.Limiter `yaml:"Limits,omitempty"`
}

// ObjSetup describes one APT controller and the routes to serve it on
type ObjSetup struct {
	// Addr holds the network or filesystem address of the remote device,
	// e.g. 192.168.100.123:2006 for a device connected to port 6
	// on a digi portserver, or /dev/ttyUSB0 for a USB-serial adapter
	Addr string `yaml:"Addr"`

	// Endpoint is the path the routes from this device will be served on
	// ex. Endpoint="/omc/stages" will produce routes of /omc/stages/axis/x/pos, etc.
	Endpoint string `yaml:"Endpoint"`

	// Serial determines if the connection is serial/RS232 (True) or TCP (False)
	Serial bool `yaml:"Serial"`

	// Type is the model of the controller, e.g. BBD203
	Type string `yaml:"Type"`

	// Timeout is the reply timeout, in seconds
	Timeout float64 `yaml:"Timeout"`

	// FrameInterval is the minimum spacing of outbound frames, in seconds
	FrameInterval float64 `yaml:"FrameInterval"`

	// FailFast refuses a request while another of its kind is outstanding
	// instead of queueing it
	FailFast bool `yaml:"FailFast"`

	// Updates starts status update messages on every module at boot
	Updates bool `yaml:"Updates"`

	// AxisLock locks axes individually rather than the whole node
	AxisLock bool `yaml:"AxisLock"`

	Axes map[string]AxisSetup `yaml:"Axes"`
}

// Config is a struct that holds the initialization parameters for the
// server.  It is to be populated by a koanf unmarshal call.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr"`

	// Mock replaces every controller with a simulated rack
	Mock bool `yaml:"Mock"`

	// Nodes is the list of nodes to set up
	Nodes []ObjSetup `yaml:"Nodes"`
}

func (o ObjSetup) axisMap() (apt.AxisMap, map[string]util.Limiter, error) {
	axes := apt.AxisMap{}
	limits := map[string]util.Limiter{}
	for name, a := range o.Axes {
		dest, err := apt.ParseAddress(a.Dest)
		if err != nil {
			return nil, nil, fmt.Errorf("axis %s: %w", name, err)
		}
		ch := apt.Channel(a.Channel)
		if a.Channel == 0 {
			ch = apt.Channel1
		}
		if ch > apt.MaxChannel {
			return nil, nil, fmt.Errorf("axis %s: %w: %d", name, apt.ErrInvalidChannel, a.Channel)
		}
		scale := a.Scale
		if scale == (apt.Scale{}) {
			scale = apt.DefaultScale
		}
		axes[name] = apt.Axis{Dest: dest, Channel: ch, Scale: scale}
		if a.Limits != nil {
			limits[name] = *a.Limits
		}
	}
	return axes, limits, nil
}

// open connects to the controller of a node, or builds a simulated rack
// holding the bays its axes use
func (o ObjSetup) open(mock bool, axes apt.AxisMap) (io.ReadWriteCloser, error) {
	if mock {
		var bays []int
		for _, a := range axes {
			if n, ok := a.Dest.Bay(); ok {
				bays = append(bays, n)
			}
		}
		return apt.NewMockRack(bays...), nil
	}
	var cfg *serial.Config
	if o.Serial {
		cfg = apt.SerialConf(o.Addr)
	}
	rd := comm.NewRemoteDevice(o.Addr, o.Serial, cfg)
	if err := rd.Open(); err != nil {
		return nil, err
	}
	return &rd, nil
}

func (o ObjSetup) controllerConfig(name string) apt.Config {
	cfg := apt.DefaultConfig()
	cfg.Name = name
	cfg.FailFast = o.FailFast
	if o.Timeout > 0 {
		cfg.Timeout = util.SecsToDuration(o.Timeout)
	}
	if o.FrameInterval > 0 {
		cfg.MinFrameInterval = util.SecsToDuration(o.FrameInterval)
	}
	cfg.Logger = log.New(os.Stderr, "["+name+"] ", log.LstdFlags)
	return cfg
}

// BuildMux constructs a chi mux with a submux per node.
// The mux serves a special route, /endpoints, which returns a map of
// node to the routes it serves as JSON, and /metrics for prometheus.
// The returned closers shut the controllers down.
func BuildMux(c Config) (chi.Router, []io.Closer, error) {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}
	var closers []io.Closer
	fail := func(err error) (chi.Router, []io.Closer, error) {
		for _, cl := range closers {
			cl.Close()
		}
		return nil, nil, err
	}

	for _, node := range c.Nodes {
		typ := strings.ToLower(node.Type)
		switch typ {
		case "apt", "bbd101", "bbd102", "bbd103", "bbd201", "bbd202", "bbd203", "bbd302", "bbd303":
		default:
			return fail(fmt.Errorf("type %s not understood", node.Type))
		}
		// prepare the URL, "omc/stages" => "/omc/stages"
		hndlS := generichttp.SubMuxSanitize(node.Endpoint)
		if _, dup := supergraph[hndlS]; dup {
			return fail(fmt.Errorf("endpoint %s used twice", hndlS))
		}

		axes, limits, err := node.axisMap()
		if err != nil {
			return fail(fmt.Errorf("%s: %w", hndlS, err))
		}
		rw, err := node.open(c.Mock, axes)
		if err != nil {
			return fail(fmt.Errorf("%s: %w", hndlS, err))
		}
		ctl := apt.NewController(rw, node.controllerConfig(strings.Trim(hndlS, "/")))
		closers = append(closers, ctl)

		ac := apt.NewAxisController(ctl, axes)
		httper := apt.NewHTTPWrapper(ac)
		limiter := motion.LimitMiddleware{Limits: limits, Mov: ac}
		limiter.Inject(httper)

		if node.Updates {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			started := map[apt.Address]bool{}
			for _, name := range ac.Axes() {
				dest := axes[name].Dest
				if started[dest] {
					continue
				}
				started[dest] = true
				if err := ctl.StartUpdates(ctx, dest); err != nil {
					log.Printf("%s: starting updates on %s: %v", hndlS, dest, err)
				}
			}
			cancel()
		}

		// add a lock interface for this node
		var lock locker.ManipulableLock
		if !node.AxisLock {
			lock = locker.New()
		} else {
			lock = locker.NewAL()
		}
		locker.Inject(httper, lock)

		// add the endpoints to the graph
		supergraph[hndlS] = httper.RT().Endpoints()

		// bind to the mux
		r := chi.NewRouter()
		r.Use(lock.Check)
		r.Use(limiter.Check)
		httper.RT().Bind(r)
		root.Mount(hndlS, r)
	}
	root.Handle("/metrics", promhttp.Handler())
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			log.Printf("error encoding endpoints %q", err)
		}
	})
	return root, closers, nil
}
