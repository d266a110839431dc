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
	"text/tabwriter"
	"time"

	"housekeeper/internal/app"
	"housekeeper/internal/config"
)

func main() {
	var (
		cfgPath string
		env     string
		check   bool
		preview int
	)
	flag.StringVar(&cfgPath, "config", "./housekeeper.yaml", "path to config (json or yaml)")
	flag.StringVar(&env, "env", "", "deployment environment (production, staging, qa, development, test)")
	flag.BoolVar(&check, "check", false, "validate the config, print upcoming fires and exit")
	flag.IntVar(&preview, "preview", 3, "fires listed per task with -check")
	flag.Parse()

	if check {
		if err := runCheck(cfgPath, env, preview); err != nil {
			fmt.Fprintln(os.Stderr, "check failed:", err)
			os.Exit(1)
		}
		return
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(app.Options{ConfigPath: cfgPath, Env: env})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}

	reason := app.StopUnknown
	select {
	case s := <-sigs:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runCheck(cfgPath, envFlag string, n int) error {
	overrides, err := config.LoadOverrides()
	if err != nil {
		return err
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetOverrides(overrides)
	cfg, err := cfgm.Load()
	if err != nil {
		return err
	}
	env, err := config.ResolveEnvironment(envFlag, cfg)
	if err != nil {
		return err
	}
	plan, err := app.Plan(cfg, env, time.Now(), n)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "env: %s\n\n", env)
	fmt.Fprintln(w, "TASK\tKIND\tEXPRESSION\tNEXT")
	invalid := 0
	for _, p := range plan {
		switch {
		case p.Disabled:
			fmt.Fprintf(w, "%s\t-\t-\tdisabled in %s\n", p.Name, env)
		case p.Err != nil:
			invalid++
			fmt.Fprintf(w, "%s\t-\t%s\tinvalid: %v\n", p.Name, p.Expr, p.Err)
		case len(p.Next) == 0:
			invalid++
			fmt.Fprintf(w, "%s\t%s\t%s\tnever fires\n", p.Name, p.Kind, p.Expr)
		default:
			next := make([]string, len(p.Next))
			for i, t := range p.Next {
				next[i] = t.Format("2006-01-02 15:04 MST")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, p.Kind, p.Expr, strings.Join(next, ", "))
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if invalid > 0 {
		return fmt.Errorf("%d task(s) would not run", invalid)
	}
	return nil
}
