package iqstream

import (
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all port numbers used by the node.
type Portnumbers struct {
	Command int // UDP: Read-IQ, Write-IQ and the other dispatch commands
	RPC     int // TCP: JSON-RPC control
	Status  int // TCP: ZMQ status publisher
}

// Ports globally holds all port numbers used by the node.
var Ports Portnumbers

// SetPortnumbers derives every port from the base (command) port.
func SetPortnumbers(base int) {
	Ports.Command = base
	Ports.RPC = base + 1
	Ports.Status = base + 2
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Gitdate string
	Date    string
	Host    string
	Summary string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.3.0",
	Githash: "no git hash computed",
	Gitdate: "no git date computed",
	Date:    "no build date computed",
}

// StartTime is a global holding the time init() was run
var StartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log configuration changes and session records to a file
var UpdateLogger *log.Logger

func init() {
	SetPortnumbers(DefaultBasePort)
	StartTime = time.Now()

	// The daemon will override these, but at least initialize with a sensible value
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stdout, "", log.LstdFlags)
}
