package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cdpplug/internal/config"
	"cdpplug/internal/logger"
	"cdpplug/internal/service"
	"cdpplug/internal/storage"
	"cdpplug/pkg/api"

	"github.com/spf13/cobra"
)

var (
	openURL      string
	loadState    bool
	saveOnExit   bool
	closeOnExit  bool
	closeTimeout = 10 * time.Second
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Attach to a browser, install the configured plugins and stream session events",
	Example: `  # attach to a local Chrome started with --remote-debugging-port=9222
  cdpplug run

  # restore saved cookies/localStorage and open a page
  cdpplug run -c cdpplug.yaml --load --url https://example.com`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&openURL, "url", "", "open a new page at this URL after attaching (overrides devtools.open_url)")
	runCmd.Flags().BoolVar(&loadState, "load", false, "load saved cookies and localStorage after attaching (manual mode)")
	runCmd.Flags().BoolVar(&saveOnExit, "save", false, "save cookies and localStorage before exiting (manual mode)")
	runCmd.Flags().BoolVar(&closeOnExit, "close", false, "close the browser on exit instead of only stopping the plugins")
}

// loadConfig 读取配置并应用命令行覆盖
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if devtoolsURL != "" {
		cfg.Devtools.URL = devtoolsURL
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (logger.Logger, error) {
	return logger.New(logger.Options{
		Level:      cfg.Log.Level,
		Writer:     cfg.Log.Writer,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	store, err := storage.Open(storage.Options{
		Backend: cfg.Storage.Backend,
		Dir:     cfg.Storage.Dir,
		Dsn:     cfg.Sqlite.Dsn,
		Prefix:  cfg.Sqlite.Prefix,
	}, log)
	if err != nil {
		return err
	}
	defer closeStore(store, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := api.NewService(log)
	sess := svc.NewSession()
	installed, err := service.Install(sess, cfg.Plugins, store, log)
	if err != nil {
		return err
	}
	log.Info("插件已注册", "plugins", installed.Names())

	b, err := svc.Connect(ctx, sess.ID(), cfg.Devtools.URL)
	if err != nil {
		return err
	}

	if loadState {
		if err := loadSaved(ctx, installed); err != nil {
			log.Err(err, "恢复已保存状态失败")
		}
	}
	target := cfg.Devtools.OpenURL
	if openURL != "" {
		target = openURL
	}
	if target != "" {
		page, err := b.NewPage(ctx)
		if err != nil {
			return fmt.Errorf("open page: %w", err)
		}
		if err := page.Goto(ctx, target); err != nil {
			log.Err(err, "页面导航失败", "url", target)
		}
	}

	events, err := svc.SubscribeEvents(sess.ID())
	if err != nil {
		return err
	}
	log.Info("会话运行中，按 Ctrl+C 退出", "sessionID", string(sess.ID()))
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case evt := <-events:
			log.Debug("会话事件", "type", string(evt.Type), "plugin", evt.Plugin, "target", string(evt.Target), "url", evt.URL, "votes", evt.Votes)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	var errs []error
	if saveOnExit {
		errs = append(errs, saveState(shutdownCtx, installed))
	}
	if closeOnExit {
		errs = append(errs, svc.Close(shutdownCtx, sess.ID()))
	} else {
		errs = append(errs, sess.Clear(shutdownCtx))
	}
	log.Info("会话已结束", "sessionID", string(sess.ID()))
	return errors.Join(errs...)
}

func loadSaved(ctx context.Context, in *service.Installed) error {
	var errs []error
	if in.Cookies != nil {
		errs = append(errs, in.Cookies.Load(ctx))
	}
	if in.LocalStorage != nil {
		errs = append(errs, in.LocalStorage.Load(ctx))
	}
	return errors.Join(errs...)
}

func saveState(ctx context.Context, in *service.Installed) error {
	var errs []error
	if in.Cookies != nil {
		errs = append(errs, in.Cookies.Save(ctx))
	}
	if in.LocalStorage != nil {
		errs = append(errs, in.LocalStorage.Save(ctx))
	}
	return errors.Join(errs...)
}

// closeStore 释放存储后端持有的连接
func closeStore(store storage.Store, log logger.Logger) {
	c, ok := store.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		log.Err(err, "关闭存储失败")
	}
}
