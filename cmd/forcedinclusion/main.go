package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
)

const flushTimeoutOnClose = 15 * time.Second

func main() {
	if err := loadEnv(os.Getenv("ENV_FILE")); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfig)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newApp().RunContext(ctx, os.Args)
	stop()
	if code := exitCode(err); code != exitOK {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(code)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "forcedinclusion",
		Usage: "Submit to and monitor the forced inclusion queue of a Taiko rollup",
		Flags: globalFlags(),
		Commands: []*cli.Command{
			{
				Name:   "read-queue",
				Usage:  "Print the pending entries of the forced inclusion queue",
				Flags:  readQueueFlags(),
				Action: readQueue,
			},
			{
				Name:   "monitor-queue",
				Usage:  "Stream queue changes until interrupted",
				Flags:  monitorFlags(),
				Action: monitorQueue,
			},
			{
				Name:   "send",
				Usage:  "Submit one forced inclusion and wait for its outcome",
				Flags:  sendFlags(),
				Action: send,
			},
			{
				Name:   "spam",
				Usage:  "Submit forced inclusions in a loop until interrupted",
				Flags:  spamFlags(),
				Action: spam,
			},
			{
				Name:   "reset-checkpoint",
				Usage:  "Delete the stored monitor checkpoint of the store",
				Action: resetCheckpoint,
			},
		},
	}
}
