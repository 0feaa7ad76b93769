// Command phoebe runs the wiki server. It serves wiki pages over Gemini,
// accepts edits over Titan, and offers a read-only web view, all on the same
// TLS listener.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/phoebewiki/phoebe/internal/config"
	"github.com/phoebewiki/phoebe/internal/logging"
	"github.com/phoebewiki/phoebe/internal/server"
	"github.com/phoebewiki/phoebe/internal/watcher"
	"github.com/phoebewiki/phoebe/internal/wiki"
)

const shutdownGrace = 5 * time.Second

func main() {
	logging.SetupBaseLogger()

	if err := newApp().Run(os.Args); err != nil {
		log.Errorf("%v", err)
		if exitErr, ok := err.(cli.ExitCoder); ok {
			os.Exit(exitErr.ExitCode())
		}
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "phoebe",
		Usage: "a wiki for Gemini and Titan, with a read-only web view",
		// Bad flags are a usage error, distinct from runtime failures.
		OnUsageError: func(c *cli.Context, err error, isSubcommand bool) error {
			return cli.Exit(err.Error(), 2)
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "load settings from a YAML `FILE`; flags override it",
			},
			&cli.StringSliceFlag{
				Name:  "host",
				Usage: "serve this `HOSTNAME` (repeatable)",
			},
			&cli.IntSliceFlag{
				Name:  "port",
				Usage: "listen on this `PORT` (repeatable)",
			},
			&cli.StringSliceFlag{
				Name:  "cert_file",
				Usage: "certificate `FILE` for the host at the same position (repeatable)",
			},
			&cli.StringSliceFlag{
				Name:  "key_file",
				Usage: "private key `FILE` for the host at the same position (repeatable)",
			},
			&cli.StringFlag{
				Name:    "wiki_dir",
				Usage:   "wiki data `DIR`",
				EnvVars: []string{"PHOEBE_DATA_DIR"},
			},
			&cli.StringSliceFlag{
				Name:  "wiki_space",
				Usage: "declare a wiki `SPACE` or HOST/SPACE (repeatable)",
			},
			&cli.StringSliceFlag{
				Name:  "wiki_token",
				Usage: "accept this write `TOKEN` (repeatable)",
			},
			&cli.StringSliceFlag{
				Name:  "wiki_page",
				Usage: "link this `PAGE` from the main menu (repeatable)",
			},
			&cli.StringFlag{
				Name:  "wiki_main_page",
				Usage: "transclude this `PAGE` at the top of the main menu",
			},
			&cli.StringSliceFlag{
				Name:  "wiki_mime_type",
				Usage: "allow file uploads of this MIME `TYPE` (repeatable)",
			},
			&cli.IntFlag{
				Name:  "wiki_page_size_limit",
				Usage: "maximum upload size in `BYTES`",
			},
			&cli.IntFlag{
				Name:  "log_level",
				Usage: "log level: 0 errors, 1 warnings, 2 info, 3 requests, 4 traces",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  "log_file",
				Usage: "log to this rotating `FILE` instead of stdout",
			},
			&cli.StringFlag{
				Name:  "pid_file",
				Usage: "write the process id to `FILE` at startup",
			},
			&cli.BoolFlag{
				Name:  "setsid",
				Usage: "start a new session, detaching from the controlling terminal",
			},
			&cli.StringFlag{
				Name:  "user",
				Usage: "drop privileges to `USER` after binding the ports",
			},
			&cli.StringFlag{
				Name:  "group",
				Usage: "drop privileges to `GROUP` after binding the ports",
			},
		},
		Action: run,
	}
}

func run(c *cli.Context) error {
	cfg, err := buildConfig(c)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	logging.SetWikiLevel(cfg.LogLevel)
	if err = logging.ConfigureLogOutput(cfg.LogFile); err != nil {
		return cli.Exit(err.Error(), 2)
	}

	if c.Bool("setsid") {
		if _, err = syscall.Setsid(); err != nil {
			log.Warnf("setsid failed: %v", err)
		}
	}

	store, err := wiki.NewStore(cfg.DataDir)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to open wiki directory: %v", err), 1)
	}

	srv, err := server.New(store, cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to set up server: %v", err), 1)
	}
	if err = srv.Start(); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	// Privileges are dropped only after the ports are bound, so the server
	// can be started as root on a privileged port.
	if err = dropPrivileges(c.String("user"), c.String("group")); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if cfg.PIDFile != "" {
		pid := strconv.Itoa(os.Getpid())
		if err = os.WriteFile(cfg.PIDFile, []byte(pid+"\n"), 0o644); err != nil {
			log.Warnf("failed to write pid file %s: %v", cfg.PIDFile, err)
		}
		defer func() { _ = os.Remove(cfg.PIDFile) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The watcher always runs: with --config it reloads on file change and
	// SIGHUP, without it SIGHUP still re-applies the flags and reopens the
	// log file, so logrotate's HUP never kills a flag-only deployment.
	w, errWatch := watcher.NewWatcher(c.String("config"), func(loaded *config.Config) {
		if loaded == nil {
			loaded = &config.Config{}
		}
		merged, errMerge := mergeAndFinalize(c, loaded)
		if errMerge != nil {
			log.Errorf("reloaded config rejected: %v", errMerge)
			return
		}
		logging.SetWikiLevel(merged.LogLevel)
		if errLog := logging.ConfigureLogOutput(merged.LogFile); errLog != nil {
			log.Errorf("failed to switch log output: %v", errLog)
		}
		if errReload := srv.Reload(merged); errReload != nil {
			log.Errorf("reload failed: %v", errReload)
		}
	})
	if errWatch != nil {
		log.Warnf("config reloading disabled: %v", errWatch)
	} else if errWatch = w.Start(ctx); errWatch != nil {
		log.Warnf("config reloading disabled: %v", errWatch)
	} else {
		defer func() { _ = w.Stop() }()
	}

	log.Infof("phoebe is up, serving %d host(s) on %d port(s) from %s",
		len(cfg.Hosts), len(cfg.Ports), cfg.DataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("received %s, shutting down", sig)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	if err = srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("shutdown incomplete: %v", err)
	}
	return nil
}

// buildConfig loads the optional config file, merges flag values on top and
// finalizes the result.
func buildConfig(c *cli.Context) (*config.Config, error) {
	cfg := &config.Config{}
	if configPath := c.String("config"); configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	return mergeAndFinalize(c, cfg)
}

// mergeAndFinalize overlays command line values onto a loaded configuration.
// Repeatable flags replace the corresponding list wholesale when given.
func mergeAndFinalize(c *cli.Context, cfg *config.Config) (*config.Config, error) {
	if hosts := c.StringSlice("host"); len(hosts) > 0 {
		certs := c.StringSlice("cert_file")
		keys := c.StringSlice("key_file")
		cfg.Hosts = nil
		for i, name := range hosts {
			h := config.Host{Name: name}
			if i < len(certs) {
				h.CertFile = certs[i]
			}
			if i < len(keys) {
				h.KeyFile = keys[i]
			}
			cfg.Hosts = append(cfg.Hosts, h)
		}
	}
	if ports := c.IntSlice("port"); len(ports) > 0 {
		cfg.Ports = ports
	}
	if dir := c.String("wiki_dir"); dir != "" {
		cfg.DataDir = dir
	}
	if specs := c.StringSlice("wiki_space"); len(specs) > 0 {
		cfg.Spaces = nil
		for _, spec := range specs {
			cfg.Spaces = append(cfg.Spaces, config.ParseSpaceSpec(spec))
		}
	}
	if tokens := c.StringSlice("wiki_token"); len(tokens) > 0 {
		cfg.Tokens = tokens
	}
	if pages := c.StringSlice("wiki_page"); len(pages) > 0 {
		cfg.ExtraPages = pages
	}
	if main := c.String("wiki_main_page"); main != "" {
		cfg.MainPage = main
	}
	if types := c.StringSlice("wiki_mime_type"); len(types) > 0 {
		cfg.MIMETypes = types
	}
	if limit := c.Int("wiki_page_size_limit"); limit > 0 {
		cfg.PageSizeLimit = limit
	}
	if c.IsSet("log_level") || cfg.LogLevel == 0 {
		cfg.LogLevel = c.Int("log_level")
	}
	if file := c.String("log_file"); file != "" {
		cfg.LogFile = file
	}
	if file := c.String("pid_file"); file != "" {
		cfg.PIDFile = file
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// dropPrivileges switches to the named group and user. The group must be
// changed first; once the user is dropped, setgid is no longer permitted.
func dropPrivileges(userName, groupName string) error {
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return fmt.Errorf("unknown group %q: %w", groupName, err)
		}
		gid, err := strconv.Atoi(g.Gid)
		if err != nil {
			return err
		}
		if err = syscall.Setgid(gid); err != nil {
			return fmt.Errorf("setgid %d: %w", gid, err)
		}
	}
	if userName != "" {
		u, err := user.Lookup(userName)
		if err != nil {
			return fmt.Errorf("unknown user %q: %w", userName, err)
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			return err
		}
		if err = syscall.Setuid(uid); err != nil {
			return fmt.Errorf("setuid %d: %w", uid, err)
		}
	}
	return nil
}
