// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskmesh/core/internal/config"
	"github.com/taskmesh/core/internal/daemon"
	"github.com/taskmesh/core/internal/log"
)

var (
	serveListenAddr string
	serveWatch      bool
)

// NewServeCommand builds the "taskmeshd serve" subcommand.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration daemon",
		Long: `Start the taskmeshd orchestration daemon: the resource manager,
agent registry, task scheduler, workflow engine, monitor, and the HTTP
surface fixed by spec §6 (/health, /agents/register, /tasks, /metrics).`,
		Example: `  # Start with defaults
  taskmeshd serve

  # Start on a specific address
  taskmeshd serve --listen-addr :9090`,
		RunE: runServe,
	}

	cmd.Flags().StringVar(&serveListenAddr, "listen-addr", "", "HTTP listen address (default: :8080)")
	cmd.Flags().BoolVar(&serveWatch, "watch-config", false, "Hot-reload resource limits from --config")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serveListenAddr != "" {
		cfg.HTTP.ListenAddr = serveListenAddr
	}

	logger := log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	})

	d := daemon.New(cfg, daemon.Options{
		Version:   versionInfo.version,
		Commit:    versionInfo.commit,
		BuildDate: versionInfo.buildDate,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var watcher *config.Watcher
	if serveWatch && configPath != "" {
		watcher, err = config.NewWatcher(ctx, config.WatchConfig{
			Path:   configPath,
			Logger: logger,
			OnReload: func(newCfg *config.Config) {
				if serveListenAddr != "" {
					newCfg.HTTP.ListenAddr = serveListenAddr
				}
				if err := newCfg.Validate(); err != nil {
					logger.Error("reloaded config invalid, keeping previous limits", "path", configPath, "error", err)
					return
				}
				d.ApplyConfig(newCfg)
			},
		})
		if err != nil {
			return fmt.Errorf("start config watcher: %w", err)
		}
		defer watcher.Close()
	}

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	return d.Shutdown(shutdownCtx)
}

const shutdownTimeout = 15 * time.Second
