// Copyright 2024-2026 Aiku AI

// Command mautrix-bridgecore is a Matrix-Mattermost bridge. It relays
// messages, edits, reactions and redactions in both directions, keeps
// per-conversation ordering and encrypts messages sent to Mattermost when
// a portal asks for it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/mautrix-bridgecore/pkg/bridge"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	name    = "mautrix-bridgecore"
	version = "0.1.0"
)

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var dontSaveConfig = flag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
var writeExampleConfig = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
var printVersion = flag.MakeFull("v", "version", "View bridge version and quit.", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

func main() {
	flag.SetHelpTitles(
		fmt.Sprintf("%s - A Matrix-Mattermost bridge", name),
		fmt.Sprintf("%s [-hnev] [-c <path>]", name),
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *printVersion {
		fmt.Printf("%s %s (tag %s, commit %s, built at %s)\n", name, version, Tag, Commit, BuildTime)
		os.Exit(0)
	} else if *writeExampleConfig {
		if _, err := os.Stat(*configPath); err == nil {
			_, _ = fmt.Fprintln(os.Stderr, *configPath, "already exists, please remove it if you want to generate a new example")
			os.Exit(1)
		}
		if err := os.WriteFile(*configPath, []byte(bridge.ExampleConfig), 0600); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(1)
		}
		fmt.Println("Wrote example config to", *configPath)
		os.Exit(0)
	}

	cfg, err := bridge.Load(*configPath, !*dontSaveConfig)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(11)
	}
	exzerolog.SetupDefaults(log)
	log.Info().
		Str("version", version).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Initializing bridge")

	br, err := bridge.New(cfg, *log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize bridge")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err = br.Start(log.WithContext(ctx)); err != nil {
		log.Fatal().Err(err).Msg("Failed to start bridge")
	}
	<-ctx.Done()
	log.Info().Msg("Interrupt received, stopping...")
	br.Stop()
}
