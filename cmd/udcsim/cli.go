package main

import (
	"fmt"
	"os"
	"time"

	"github.com/ardnew/softudc/device"
	"github.com/ardnew/softudc/internal/gadget"
	"github.com/ardnew/softudc/pkg"
)

type Log struct {
	Level string `help:"Log level: trace, debug, info, warn, error" default:"info" env:"UDCSIM_LOG_LEVEL"`
	File  string `help:"Log file path (default: none; logs only to console)" env:"UDCSIM_LOG_FILE"`
}

// Engine holds the controller and bus options shared by every command.
type Engine struct {
	QueueDepth  int           `help:"Event channel capacity" default:"32" env:"UDCSIM_QUEUE_DEPTH"`
	Watchdog    time.Duration `help:"Per-transfer watchdog period, 0 disables it" default:"250ms" env:"UDCSIM_WATCHDOG"`
	SetupPolicy string        `help:"Back-to-back SETUP handling: preempt, drop" enum:"preempt,drop" default:"preempt" env:"UDCSIM_SETUP_POLICY"`
	QueuePolicy string        `help:"Enqueue behind an active transfer: append, reject" enum:"append,reject" default:"append" env:"UDCSIM_QUEUE_POLICY"`
	MaxPacket0  uint16        `name:"mps0" help:"Endpoint 0 max packet size: 8, 16, 32 or 64" default:"64" env:"UDCSIM_MPS0"`
	PoolLimit   int           `help:"Maximum outstanding requests, 0 for no limit" default:"0" env:"UDCSIM_POOL_LIMIT"`
	Function    string        `help:"Function description file (YAML); defaults to the built-in loopback function" type:"existingfile" env:"UDCSIM_FUNCTION"`
	Address     uint8         `help:"Address assigned during enumeration" default:"9" env:"UDCSIM_ADDRESS"`
	Timeout     time.Duration `help:"Overall scenario timeout" default:"10s" env:"UDCSIM_TIMEOUT"`
	Poll        time.Duration `help:"Host retry interval on NAK" default:"100us" env:"UDCSIM_POLL"`
	ProfileDir  string        `help:"Write CPU, heap, block and mutex profiles here (build with -tags profile)" type:"path" env:"UDCSIM_PROFILE_DIR"`
}

// CLI is the root command structure for kong.
type CLI struct {
	Log    `embed:"" prefix:"log."`
	Engine `embed:""`

	Config string `help:"Configuration file (JSON, YAML or TOML)" type:"path" env:"UDCSIM_CONFIG"`

	Enumerate Enumerate `cmd:"" help:"Reset the bus and enumerate the simulated device"`
	Loopback  Loopback  `cmd:"" help:"Enumerate, then echo bulk transfers through the device"`
}

// config translates the flags to controller options.
func (e *Engine) config() (device.Config, error) {
	cfg := device.DefaultConfig()
	cfg.EventQueueDepth = e.QueueDepth
	cfg.Watchdog = e.Watchdog

	switch e.MaxPacket0 {
	case 8, 16, 32, 64:
		cfg.ControlMaxPacketSize = e.MaxPacket0
	default:
		return cfg, fmt.Errorf("mps0 %d: %w", e.MaxPacket0, pkg.ErrInvalidParameter)
	}

	switch e.SetupPolicy {
	case "", "preempt":
		cfg.SetupPolicy = device.SetupPreempt
	case "drop":
		cfg.SetupPolicy = device.SetupDropWhilePending
	default:
		return cfg, fmt.Errorf("setup policy %q: %w", e.SetupPolicy, pkg.ErrInvalidParameter)
	}

	switch e.QueuePolicy {
	case "", "append":
		cfg.QueuePolicy = device.QueueAppend
	case "reject":
		cfg.QueuePolicy = device.QueueReject
	default:
		return cfg, fmt.Errorf("queue policy %q: %w", e.QueuePolicy, pkg.ErrInvalidParameter)
	}
	return cfg, nil
}

// function loads the function description, or the built-in one.
func (e *Engine) function() (gadget.Function, error) {
	if e.Function == "" {
		return gadget.DefaultFunction(), nil
	}
	f, err := os.Open(e.Function)
	if err != nil {
		return gadget.Function{}, err
	}
	defer f.Close()
	fn, err := gadget.LoadFunction(f)
	if err != nil {
		return fn, fmt.Errorf("%s: %w", e.Function, err)
	}
	return fn, nil
}
