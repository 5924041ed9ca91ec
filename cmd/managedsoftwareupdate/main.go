// cmd/managedsoftwareupdate/main.go

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/macadmins/cortado/pkg/config"
	"github.com/macadmins/cortado/pkg/logging"
	"github.com/macadmins/cortado/pkg/process"
	"github.com/macadmins/cortado/pkg/repo"
)

// Version is stamped by the build via -ldflags.
var Version = "dev"

func main() {
	auto := pflag.Bool("auto", false, "Perform a full automatic run: check, then install unattended items.")
	checkOnly := pflag.Bool("checkonly", false, "Check for updates, but don't install them.")
	installOnly := pflag.Bool("installonly", false, "Install pending updates without checking for new ones.")
	unattended := pflag.Bool("unattended", false, "Only act on items safe to install without a user present.")
	quiet := pflag.Bool("quiet", false, "Suppress all output except errors.")
	showVersion := pflag.Bool("version", false, "Print the version and exit.")
	showConfig := pflag.Bool("show-config", false, "Display the current configuration and exit.")

	var verbosity int
	pflag.CountVarP(&verbosity, "verbose", "v", "Increase verbosity (repeatable).")
	pflag.Parse()

	if *showVersion {
		fmt.Println(Version)
		os.Exit(0)
	}

	if *checkOnly && *installOnly {
		fmt.Fprintln(os.Stderr, "--checkonly and --installonly are mutually exclusive")
		os.Exit(process.ExitConfigError)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(process.ExitConfigError)
	}
	cfg.CheckOnly = *checkOnly
	cfg.InstallOnly = *installOnly

	logging.SetVerbosity(verbosity, *quiet)

	if *showConfig {
		if err := config.Print(os.Stdout, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render configuration: %v\n", err)
			os.Exit(process.ExitConfigError)
		}
		os.Exit(0)
	}

	runType := "manual"
	switch {
	case *auto:
		runType = "auto"
	case *checkOnly:
		runType = "checkonly"
	case *installOnly:
		runType = "installonly"
	}
	logging.SetRunType(runType)

	session := &process.Session{
		Config:        cfg,
		Repo:          repoFor(cfg),
		RunType:       runType,
		Unattended:    *unattended || *auto,
		ClientVersion: Version,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	handleSignals(cfg, cancel)

	os.Exit(session.Run(ctx))
}

// repoFor selects a transport from the configured repo URL. Plain
// paths and file:// URLs map to a local repo, anything else is HTTP.
func repoFor(cfg *config.Configuration) repo.Repo {
	url := cfg.SoftwareRepoURL
	if strings.HasPrefix(url, "file://") {
		return &repo.FileRepo{Root: strings.TrimPrefix(url, "file://")}
	}
	if !strings.Contains(url, "://") {
		return &repo.FileRepo{Root: url}
	}
	return &repo.HTTPRepo{
		BaseURL:         url,
		Headers:         cfg.AdditionalHeaders,
		FollowRedirects: cfg.FollowHTTPRedirects,
	}
}

// handleSignals turns the first interrupt into a stop request so the
// executor finishes the current item, and forces exit on the second.
func handleSignals(cfg *config.Configuration, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logging.Warn("Interrupt received, stopping after the current item")
		if err := process.RequestStop(cfg.StopRequestedPath()); err != nil {
			logging.Warn("Could not write stop request", "error", err)
		}
		<-sig
		cancel()
		os.Exit(process.ExitConfigError)
	}()
}
