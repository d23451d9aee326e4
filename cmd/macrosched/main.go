package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"macrosched/internal/app"
	"macrosched/internal/storage"
)

func main() {
	var (
		cfgPath    string
		runMacro   string
		importPath string
		exportPath string
		exportIDs  string
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json/yaml")
	flag.StringVar(&runMacro, "run-macro", "", "macro id to run (RESTART policy) shortly after start")
	flag.StringVar(&importPath, "import", "", "import macros from a json/yaml file and exit")
	flag.StringVar(&exportPath, "export", "", "export macros to a json/yaml file (- for stdout) and exit")
	flag.StringVar(&exportIDs, "ids", "", "comma-separated macro ids for -export (default: all)")
	flag.Parse()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if importPath != "" || exportPath != "" {
		err := transfer(a, importPath, exportPath, splitIDs(exportIDs))
		_ = a.Stop(context.Background(), app.StopAppStop)
		if err != nil {
			fmt.Fprintln(os.Stderr, "fatal:", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signals only pick the stop reason; a.Stop cancels the app context.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}
	if runMacro != "" {
		a.RunMacroAfterStart(runMacro)
	}

	reason := waitStop(sigs, a.Done(), a.Err)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

// waitStop blocks until a signal arrives or the app stops on its own.
func waitStop(sigs <-chan os.Signal, done <-chan struct{}, errFn func() error) app.StopReason {
	select {
	case s := <-sigs:
		if s == syscall.SIGTERM {
			return app.StopSIGTERM
		}
		return app.StopSIGINT
	case <-done:
		if errFn() != nil {
			return app.StopFatalError
		}
		return app.StopUnknown
	}
}

func transfer(a *app.App, importPath, exportPath string, ids []string) error {
	ctx := context.Background()
	if importPath != "" {
		f, err := os.Open(importPath)
		if err != nil {
			return err
		}
		defer f.Close()
		ms, err := a.Catalog().Import(ctx, f, storage.FormatFromPath(importPath))
		for _, m := range ms {
			fmt.Printf("imported %s %q (%d events)\n", m.ID, m.Name, len(m.Events))
		}
		if err != nil {
			return err
		}
	}
	if exportPath == "" {
		return nil
	}
	if exportPath == "-" {
		return a.Catalog().Export(ctx, os.Stdout, storage.FormatJSON, ids...)
	}
	f, err := os.Create(exportPath)
	if err != nil {
		return err
	}
	if err := a.Catalog().Export(ctx, f, storage.FormatFromPath(exportPath), ids...); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func splitIDs(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
