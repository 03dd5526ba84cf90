package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "publishctl: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	idArg := "<job-id>"
	return &cli.Command{
		Name:  "publishctl",
		Usage: "operate the dataset publisher",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "dotenv file to load before reading the environment",
				Value: ".env",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "apply database migrations",
				Action: migrateAction,
			},
			{
				Name:  "submit",
				Usage: "submit a dataset for publication",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "repository", Aliases: []string{"r"}, Usage: "repository name", Required: true},
					&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "source path, relative to the repository root", Required: true},
					&cli.StringFlag{Name: "mode", Usage: "copy or link", Value: "copy"},
					&cli.IntFlag{Name: "version", Usage: "dataset version", Value: 1},
					&cli.StringFlag{Name: "owner", Usage: "submitting user", Value: os.Getenv("USER")},
					&cli.StringFlag{Name: "contact", Usage: "e-mail address of the owner"},
					&cli.StringFlag{Name: "expires", Usage: "RFC 3339 time or duration from now; defaults to the repository's lifetime"},
				},
				Action: submitAction,
			},
			{
				Name:      "get",
				Usage:     "show a job",
				ArgsUsage: idArg,
				Action:    getAction,
			},
			{
				Name:  "list",
				Usage: "list jobs, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "state", Usage: "only jobs in this state"},
					&cli.IntFlag{Name: "limit", Value: 50},
				},
				Action: listAction,
			},
			{
				Name:  "search",
				Usage: "find jobs by file name",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Required: true},
					&cli.IntFlag{Name: "limit", Value: 50},
				},
				Action: searchAction,
			},
			{
				Name:      "events",
				Usage:     "show a job's state history",
				ArgsUsage: idArg,
				Action:    eventsAction,
			},
			{
				Name:      "retry",
				Usage:     "send an errored job back to the queue",
				ArgsUsage: idArg,
				Action:    retryAction,
			},
			{
				Name:      "requeue",
				Usage:     "enqueue a pending job again after its task was lost",
				ArgsUsage: idArg,
				Action:    requeueAction,
			},
			{
				Name:      "renew",
				Usage:     "move a job's expiry",
				ArgsUsage: idArg,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "until", Usage: "new expiry, RFC 3339 time or duration from now", Required: true},
				},
				Action: renewAction,
			},
			{
				Name:      "cancel",
				Usage:     "withdraw a pending job",
				ArgsUsage: idArg,
				Action:    cancelAction,
			},
			{
				Name:   "stats",
				Usage:  "show counts per state and queue health",
				Action: statsAction,
			},
			{
				Name:  "reap",
				Usage: "run one reaper cycle now",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "batch", Usage: "maximum jobs to expire; defaults to REAPER_BATCH_SIZE"},
				},
				Action: reapAction,
			},
			{
				Name:   "reconcile",
				Usage:  "fail running jobs whose worker stopped heartbeating",
				Action: reconcileAction,
			},
		},
	}
}
