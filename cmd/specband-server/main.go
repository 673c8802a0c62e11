// Command specband-server runs the capture/PFB/accumulator pipeline for
// one spectrometer instance, driven by commands read from a FIFO.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	specband "github.com/kgustafson/specband/src"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the instance YAML config")
	fifoPath := pflag.StringP("fifo", "f", "", "path to the command FIFO (stdin if empty)")
	pflag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "specband-server: -config is required")
		os.Exit(2)
	}

	cfg, err := specband.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "specband-server: %v\n", err)
		os.Exit(1)
	}

	status := specband.NewStatusArea()
	sup := specband.NewSupervisor(cfg, status)

	for _, t := range cfg.Threads {
		specband.ApplyThreadPlacement(t)
	}

	var commands *os.File
	if *fifoPath == "" {
		commands = os.Stdin
	} else {
		f, err := os.Open(*fifoPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "specband-server: open fifo: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		commands = f
	}

	scanner := bufio.NewScanner(commands)
	for scanner.Scan() {
		cmd, ok := specband.ParseCommand(scanner.Text())
		if !ok {
			continue
		}
		if err := sup.HandleCommand(cmd); err != nil {
			if errors.Is(err, specband.ErrQuit) {
				break
			}
			fmt.Fprintf(os.Stderr, "specband-server: %v\n", err)
		}
	}

	sup.Wait()
}
