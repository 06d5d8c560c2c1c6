package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"

	"github.com/lorenzosaino/go-sysctl"
	"github.com/spf13/viper"
	"github.com/usnistgov/iqstream"
	"github.com/usnistgov/iqstream/internal/sessiondb"
	"github.com/usnistgov/iqstream/internal/simhw"
	"github.com/usnistgov/iqstream/internal/unboundedchan"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// minSocketBuffer is the kernel socket buffer size below which a full-rate
// Read-IQ burst is likely to be dropped.
const minSocketBuffer = 4 << 20

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	fullname := path.Join(dir, filename)
	if _, err := os.Stat(fullname); os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper says where to find config files and registers the defaults.
func setupViper() error {
	iqstream.SetViperDefaults()

	HOME, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotIQ := filepath.Join(HOME, ".iqstream")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotIQ, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/iqstream"))
	viper.AddConfigPath(dotIQ)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	logger := log.New(os.Stderr, "", log.LstdFlags)
	logger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return logger
}

// checkSocketBuffers warns when the kernel caps socket buffers below what a
// full-rate read needs.
func checkSocketBuffers() {
	for _, key := range []string{"net.core.rmem_max", "net.core.wmem_max"} {
		val, err := sysctl.Get(key)
		if err != nil {
			iqstream.ProblemLogger.Printf("could not read %s: %v", key, err)
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			iqstream.ProblemLogger.Printf("%s=%q: %v", key, val, err)
			continue
		}
		if n < minSocketBuffer {
			msg := fmt.Sprintf("%s=%d is below %d; large Read-IQ bursts may be dropped", key, n, minSocketBuffer)
			fmt.Println(msg)
			iqstream.ProblemLogger.Print(msg)
		}
	}
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	iqstream.Build.Date = buildDate
	iqstream.Build.Githash = githash
	iqstream.Build.Gitdate = gitdate
	iqstream.Build.Summary = fmt.Sprintf("IQSTREAM version %s (git commit %s of %s)", iqstream.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		iqstream.Build.Host = host
	} else {
		iqstream.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is IQSTREAM version %s\n", iqstream.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is IQSTREAM version %s (git commit %s)\n", iqstream.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".iqstream", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	iqstream.ProblemLogger = startLogger(problemname)
	iqstream.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems to %s\n", problemname)
	fmt.Printf("Logging updates  to %s\n\n", logname)
	iqstream.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}
	cfg, err := iqstream.LoadConfig()
	if err != nil {
		panic(err)
	}
	iqstream.SetPortnumbers(cfg.BasePort)
	checkSocketBuffers()

	board := simhw.NewBoard(cfg.BulkMemory, cfg.DMALatency)
	board.StepBytes = cfg.StepBytes
	node, err := iqstream.NewNode(cfg, board)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	updates := unboundedchan.NewUnboundedChannel[iqstream.ClientUpdate]()
	node.SetUpdates(updates.In())
	publisherDone := make(chan struct{})
	go func() {
		defer close(publisherDone)
		if err := iqstream.RunStatusPublisher(updates.Out(), iqstream.Ports.Status); err != nil {
			iqstream.ProblemLogger.Printf("status publisher: %v", err)
			for range updates.Out() {
			}
		}
	}()

	if cfg.Sessions.Addr != "" {
		db := sessiondb.Open(cfg.Sessions.Addr, node.Activity(), ctx.Done())
		if db.IsConnected() {
			node.SetRecorder(db)
			defer db.Wait()
		} else {
			fmt.Printf("Session log at %s unavailable: %v\n", cfg.Sessions.Addr, db.Err())
		}
	}

	conn, err := net.ListenPacket("udp", fmt.Sprintf(":%d", iqstream.Ports.Command))
	if err != nil {
		panic(err)
	}
	requests := make(chan iqstream.Request)
	go func() {
		if err := iqstream.ServeUDP(ctx, conn, requests); err != nil && ctx.Err() == nil {
			iqstream.ProblemLogger.Printf("command server: %v", err)
			stop()
		}
	}()
	go func() {
		if err := iqstream.RunRPCServer(ctx, node, iqstream.Ports.RPC); err != nil {
			iqstream.ProblemLogger.Printf("RPC server: %v", err)
			stop()
		}
	}()

	fmt.Printf("Commands on udp :%d, JSON-RPC on :%d, status on :%d\n",
		iqstream.Ports.Command, iqstream.Ports.RPC, iqstream.Ports.Status)
	node.Run(ctx, requests)
	close(updates.In())
	<-publisherDone
	iqstream.UpdateLogger.Printf("node stopped; status queue high water %d updates", updates.HighWater())
	writeMemoryProfile(memprofile)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}

	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC() // get up-to-date statistics
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
