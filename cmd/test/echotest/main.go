package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
)

// echotest is a sample worker for process units: it echoes a line every
// interval until signalled, or exits with a failure code to simulate a crash.
type flagOptions struct {
	Name       string `long:"name" default:"echotest" description:"name printed with every line"`
	IntervalMS int    `long:"interval-ms" default:"1000" description:"interval between lines in milliseconds"`
	CrashAfter int    `long:"crash-after" description:"exit with code 3 after the given number of seconds (debug feature)"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Running %s, pid: %d, opts: %+v\n", opts.Name, os.Getpid(), opts)

	var crash <-chan time.Time
	if opts.CrashAfter > 0 {
		crash = time.After(time.Duration(opts.CrashAfter) * time.Second)
	}

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	interval := time.Duration(opts.IntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	beats := 0
	for {
		select {
		case receivedSignal := <-sig:
			fmt.Printf("%s received signal: %v, beats: %d\n", opts.Name, receivedSignal, beats)
			return
		case <-crash:
			fmt.Fprintf(os.Stderr, "%s crashing on request, beats: %d\n", opts.Name, beats)
			os.Exit(3)
		case <-ticker.C:
			beats++
			fmt.Printf("%s beat %d\n", opts.Name, beats)
		}
	}
}
