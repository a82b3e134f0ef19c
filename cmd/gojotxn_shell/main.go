package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/config"
	"github.com/sushant-115/gojotxn/core/database"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	"github.com/sushant-115/gojotxn/pkg/logger"
	"github.com/sushant-115/gojotxn/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	historyFile := flag.String("history", "", "readline history file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlogger.Sync()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			zlogger.Error("Failed to shut down telemetry", zap.Error(err))
		}
	}()
	metrics, err := internaltelemetry.NewTxnMetrics(tel.Meter)
	if err != nil {
		zlogger.Fatal("Failed to register metrics", zap.Error(err))
	}

	db, err := database.OpenConfig(cfg, zlogger, metrics, tel.Tracer)
	if err != nil {
		zlogger.Fatal("Failed to open database", zap.Error(err))
	}
	sh, err := newShell(db, os.Stdout)
	if err != nil {
		zlogger.Fatal("Failed to open session", zap.Error(err))
	}
	defer func() {
		if err := db.Close(context.Background()); err != nil {
			zlogger.Error("Errors closing database", zap.Error(err))
		}
	}()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojotxn> ",
		HistoryFile:     *historyFile,
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		zlogger.Fatal("Failed to start readline", zap.Error(err))
	}
	defer rl.Close()

	fmt.Fprintln(rl.Stdout(), "gojotxn shell. Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if line == "" {
				return
			}
			continue
		case errors.Is(err, io.EOF):
			return
		case err != nil:
			zlogger.Error("Error reading input", zap.Error(err))
			return
		}

		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			return
		}
		if err := sh.run(context.Background(), args); err != nil {
			fmt.Fprintf(rl.Stdout(), "Error: %v\n", err)
		}
	}
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("put"),
	readline.PcItem("get"),
	readline.PcItem("delete"),
	readline.PcItem("scan"),
	readline.PcItem("autocommit", readline.PcItem("on"), readline.PcItem("off")),
	readline.PcItem("commit"),
	readline.PcItem("rollback"),
	readline.PcItem("xa",
		readline.PcItem("start"),
		readline.PcItem("end"),
		readline.PcItem("prepare"),
		readline.PcItem("commit"),
		readline.PcItem("rollback"),
		readline.PcItem("forget"),
		readline.PcItem("timeout"),
	),
	readline.PcItem("stores"),
	readline.PcItem("status"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)
