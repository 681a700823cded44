package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-orchestrator/pkg/runner"
)

type flagOptions struct {
	Config      string `long:"config" short:"c" description:"configuration file path" required:"true"`
	RunDuration int    `long:"run-duration" description:"Duration in seconds to run the orchestrator (debug feature)"`
	LogFormat   string `long:"log-format" description:"log format" choice:"console" choice:"json"`
	Validate    bool   `long:"validate" description:"validate the configuration, print its summary and exit"`
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

	if opts.Validate {
		config, err := runner.LoadAndValidateConfig(opts.Config)
		if err != nil {
			fmt.Printf("Configuration is invalid: %v\n", err)
			os.Exit(1)
		}
		summary, _ := json.MarshalIndent(runner.GetConfigSummary(config), "", "  ")
		fmt.Printf("%s\n", summary)
		return
	}

	err = runner.Run(runner.RunOptions{
		RunDuration: time.Duration(opts.RunDuration) * time.Second,
		ConfigFile:  opts.Config,
		LogFormat:   opts.LogFormat,
	})
	if err != nil {
		fmt.Printf("Orchestrator failed: %v\n", err)
		os.Exit(1)
	}
}
