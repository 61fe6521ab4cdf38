package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"duckplug/internal/app"
	"duckplug/internal/config"
	"duckplug/internal/core"
	"duckplug/internal/plugin"
	"duckplug/internal/transports/common"
	"duckplug/pkg/logger"
)

// Subject - идентификатор локального оператора в allowlist источника "cli".
const Subject = "local"

// Options задает окружение CLI.
type Options struct {
	Version string
	// Logger используется как есть; если nil, строится из конфига.
	Logger *slog.Logger
	Stdin  io.Reader
}

type rootFlags struct {
	configPath string
	backend    string
	timeout    time.Duration
}

// New создает корневую CLI-команду.
func New(opts Options) *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "duckplug",
		Short:         "Хост плагина duckdb: ping, execute, query",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "путь к YAML-конфигу")
	root.PersistentFlags().StringVar(&flags.backend, "backend", "", "бэкенд плагина (desktop, mobile, duckdb)")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 30*time.Second, "таймаут одной команды")

	root.AddCommand(newVersionCmd(opts.Version))
	root.AddCommand(newPingCmd(flags, opts))
	root.AddCommand(newExecuteCmd(flags, opts))
	root.AddCommand(newQueryCmd(flags, opts))
	root.AddCommand(newInvokeCmd(flags, opts))
	root.AddCommand(newServeCmd(flags, opts))

	return root
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Показать версию",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version)
		},
	}
}

func newPingCmd(flags *rootFlags, opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "ping [value]",
		Short: "Проверить плагин: значение возвращается без изменений",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte(`{}`)
			if len(args) == 1 {
				var err error
				if payload, err = json.Marshal(map[string]string{"value": args[0]}); err != nil {
					return err
				}
			}
			return runCall(cmd, flags, opts, plugin.Name, plugin.CmdPing, payload)
		},
	}
}

func newExecuteCmd(flags *rootFlags, opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "execute <sql>",
		Short: "Выполнить изменяющий запрос",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := json.Marshal(map[string]string{"query": args[0]})
			if err != nil {
				return err
			}
			return runCall(cmd, flags, opts, plugin.Name, plugin.CmdExecute, payload)
		},
	}
}

func newQueryCmd(flags *rootFlags, opts Options) *cobra.Command {
	return &cobra.Command{
		Use:   "query <sql>",
		Short: "Выполнить читающий запрос",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := json.Marshal(map[string]string{"query": args[0]})
			if err != nil {
				return err
			}
			return runCall(cmd, flags, opts, plugin.Name, plugin.CmdQuery, payload)
		},
	}
}

func newInvokeCmd(flags *rootFlags, opts Options) *cobra.Command {
	return &cobra.Command{
		Use:     "invoke <target> [payload]",
		Short:   "Вызвать команду плагина как хост, например: invoke plugin:duckdb|query '{\"query\":\"SELECT 1\"}'",
		Args:    cobra.RangeArgs(1, 2),
		Example: `  duckplug invoke 'duckdb|ping' '{"value":"hi"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, command, err := core.ParseInvokeTarget(args[0])
			if err != nil {
				return err
			}
			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
			}
			return runCall(cmd, flags, opts, name, command, payload)
		},
	}
}

func newServeCmd(flags *rootFlags, opts Options) *cobra.Command {
	var ipcOn, webOn bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Запустить хост: IPC по stdin/stdout, web и health-сэмплер",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			appOpts := app.Options{Stdin: opts.Stdin, Stdout: cmd.OutOrStdout()}
			if appOpts.Stdin == nil {
				appOpts.Stdin = os.Stdin
			}
			if cmd.Flags().Changed("ipc") {
				appOpts.EnableIPC = &ipcOn
			}
			if cmd.Flags().Changed("web") {
				appOpts.EnableWeb = &webOn
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := build(ctx, flags, opts, appOpts)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&ipcOn, "ipc", true, "включить JSON-lines мост по stdin/stdout")
	cmd.Flags().BoolVar(&webOn, "web", false, "включить HTTP-транспорт")
	return cmd
}

// runCall поднимает хост без транспортов, выполняет один вызов и печатает ответ.
func runCall(cmd *cobra.Command, flags *rootFlags, opts Options, name, command string, payload []byte) error {
	off := false
	a, err := build(cmd.Context(), flags, opts, app.Options{EnableIPC: &off, EnableWeb: &off})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
	defer cancel()

	resp, callErr := a.Service("cli").Invoke(ctx, common.Call{
		SubjectID: Subject,
		Plugin:    name,
		Command:   command,
		Payload:   payload,
	})
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return err
	}
	if callErr != nil {
		code := resp.ErrorCode
		if code == "" {
			code = plugin.ErrorCode(callErr)
		}
		return fmt.Errorf("%s|%s [%s]: %w", name, command, code, callErr)
	}
	return nil
}

func build(ctx context.Context, flags *rootFlags, opts Options, appOpts app.Options) (*app.App, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flags.backend != "" {
		cfg.Plugin.Backend = flags.backend
	}
	appOpts.Logger = opts.Logger
	if appOpts.Logger == nil {
		appOpts.Logger = logger.NewWithOptions(os.Stderr, cfg.Agent.LogLevel, cfg.Agent.LogFormat)
	}
	return app.NewApp(ctx, cfg, appOpts)
}
