package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/nasa-jpl/golab-apt/thorlabs/apt"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "aptserver.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(Config{
		Addr: ":8000",
		Nodes: []ObjSetup{{
			Addr:     "/dev/ttyUSB0",
			Endpoint: "/stages",
			Serial:   true,
			Type:     "BBD203",
			Timeout:  3,
			Axes: map[string]AxisSetup{
				"x": {Dest: "bay0", Channel: 1, Scale: apt.Scale{Position: 20000, Velocity: 134218, Acceleration: 13.744}},
			}}}}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `aptserver communicates with Thorlabs APT motion controllers and exposes an HTTP
interface to them.  This enables a server-client architecture, and the clients
can leverage the excellent HTTP libraries for any programming language.

Usage:
	aptserver <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `aptserver is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Each node is one controller, reached over RS232 (Serial: true, Addr is the
port) or a terminal server (Serial: false, Addr is host:port).  Each node maps
axis names to a module and channel:

	Axes:
	  x:
	    Dest: bay0        # bay0..bay9, motherboard, usb, or a number like 0x21
	    Channel: 1
	    Scale:            # device units per real unit
	      Position: 20000
	      Velocity: 134218
	      Acceleration: 13.744
	    Limits:
	      Min: 0
	      Max: 50

No two endpoints can have the same URL.

URLs may look like any variation between "omc/stages" or "/omc/stages/*", the leading
and trailing slashes, as well as the *, are added by the server if missing.

Set Mock: true to serve simulated racks instead of hardware.

Hardware and matching "type" fields, case insensitive:
- Thorlabs
	> BBD101, BBD102, BBD103 "bbd101", "bbd102", "bbd103"
	> BBD201, BBD202, BBD203 "bbd201", "bbd202", "bbd203"
	> BBD302, BBD303 "bbd302", "bbd303"
	> any other APT controller "apt"

Prometheus metrics are served on /metrics.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("aptserver version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	mux, closers, err := BuildMux(c)
	if err != nil {
		log.Fatal(err)
	}
	for _, cl := range closers {
		defer cl.Close()
	}
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
