package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"shield_pipeline/internal/app"
	"shield_pipeline/internal/config"
	"shield_pipeline/internal/runner"
)

func main() {
	var (
		configPath = flag.String("config", "config.yml", "path to pipeline configuration")
		analyses   = flag.String("analyses", "", "comma-separated analyses to run (default: config selection)")
		skipMain   = flag.Bool("skip-main", false, "skip analyses of type main")
		force      = flag.Bool("force", false, "reprocess units already completed")
		status     = flag.Bool("status", false, "print checkpoint status and exit")
		watchMode  = flag.Bool("watch", false, "keep running and process new conversation files")
		annotation = flag.String("export-annotation", "", "write the annotation sheet to this path and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	application, err := app.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if *annotation != "" {
		if err := application.ExportAnnotation(*annotation); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return
	}
	if *status {
		if err := application.PrintStatus(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		return
	}

	opts := runner.Options{
		Analyses: splitList(*analyses),
		SkipMain: *skipMain,
		Force:    *force,
	}
	if *watchMode {
		if err := application.Watch(ctx, opts); err != nil {
			log.Fatalf("watch: %v", err)
		}
		return
	}

	summary, err := application.Run(ctx, opts)
	if err != nil {
		log.Fatalf("run: %v", err)
	}
	if !summary.OK() {
		os.Exit(1)
	}
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
