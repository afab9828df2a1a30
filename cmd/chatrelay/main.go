package main

import (
	"github.com/joho/godotenv"

	"chatrelay/internal/app"
	"chatrelay/pkg/config"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/shutdown"
)

// build metadata - set via ldflags during build/release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	_ = godotenv.Load(".env")
	addrVal, dbVal, cfgVal, setFlags := config.ParseCommandFlags()

	cfgPath := config.ResolveConfigPath(cfgVal, setFlags["config"])
	cfg, _, _, _, err := config.LoadEffective(cfgPath)
	if err != nil {
		logger.Init()
		shutdown.Abort("failed to load config", err, "")
	}

	logger.InitWithLevel(cfg.Logging.Level)

	// flags explicitly set win over env/config
	addr := cfg.Addr()
	if setFlags["addr"] {
		addr = addrVal
	}
	dbPath := dbVal
	if !setFlags["db"] && cfg.Server.DBPath != "" {
		dbPath = cfg.Server.DBPath
	}

	verStr := version
	if commit != "none" {
		verStr += " (" + commit + ")"
	}
	if buildDate != "unknown" {
		verStr += " @ " + buildDate
	}

	a, err := app.New(cfg, addr, dbPath, verStr)
	if err != nil {
		shutdown.Abort("startup failed", err, dbPath)
	}

	ctx := shutdown.SetupSignalHandler()
	if err := a.Run(ctx); err != nil {
		shutdown.Abort("server exited", err, dbPath)
	}
	logger.Info("chatrelay_stopped")
}
