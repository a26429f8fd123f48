package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/crmrelay/internal/action"
	"github.com/user/crmrelay/internal/classifier"
	"github.com/user/crmrelay/internal/crm"
	"github.com/user/crmrelay/internal/flow"
	"github.com/user/crmrelay/internal/gateway"
	"github.com/user/crmrelay/internal/scheduler"
	"github.com/user/crmrelay/internal/store"
	"github.com/user/crmrelay/internal/telegram"
	"github.com/user/crmrelay/internal/webhook"
	"github.com/user/crmrelay/pkg/llm"
	"github.com/user/crmrelay/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the crmrelay daemon",
	RunE:  runServe,
}

func writePIDFile(dir string) (string, error) {
	pidPath := filepath.Join(dir, "crmrelay.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	runDir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}
	pidPath, err := writePIDFile(runDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Session store
	sessions, err := store.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
		time.Duration(cfg.Redis.IdleTTLHours)*time.Hour)
	if err != nil {
		return fmt.Errorf("connect session store: %w", err)
	}
	defer sessions.Close()

	// CRM client with metadata caches
	records := crm.NewClient(crm.Config{
		BaseURL:  cfg.CRM.BaseURL,
		WebBase:  cfg.CRM.WebBase,
		APIKey:   cfg.CRM.APIKey,
		CacheTTL: time.Duration(cfg.CRM.CacheTTLMinutes) * time.Minute,
	}, crm.NewTTLCache())

	// Intent classifier
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})
	classify, err := classifier.New(provider, records, cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return fmt.Errorf("create classifier: %w", err)
	}

	// Gateway
	gw := gateway.New(int64(cfg.MaxConcurrent))
	gw.Start(ctx)
	defer gw.Stop()

	// Telegram adapter (also the machine's outbound transport)
	adapter, err := telegram.New(cfg.Telegram.Token, gw)
	if err != nil {
		return fmt.Errorf("create telegram adapter: %w", err)
	}

	// Execution engine and state machine
	executor := action.New(records, records)
	machine := flow.New(sessions, classify, executor, records, adapter)
	gw.Queue.SetProcessor(func(run *gateway.Run) error {
		return machine.Process(run.Ctx, run.Event)
	})

	go adapter.Start(ctx)
	slog.Info("telegram adapter started")

	// Cache re-warm scheduler
	sched := scheduler.New(records, cfg.WarmSchedule)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// Ops HTTP server
	if cfg.OpsAddr != "" {
		opsSrv := &http.Server{
			Addr:    cfg.OpsAddr,
			Handler: webhook.NewServer(sessions),
		}
		go func() {
			slog.Info("ops server started", "listen", cfg.OpsAddr)
			if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("ops server error", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			opsSrv.Close()
		}()
	}

	slog.Info("crmrelay started",
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"llm_model", cfg.LLM.Model,
		"redis", cfg.Redis.Addr,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				if _, writeErr := writePIDFile(runDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		slog.Info("shutting down", "signal", sig.String())
		return nil
	}
}
