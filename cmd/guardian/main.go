package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"OpenGuardian/internal/config"
	"OpenGuardian/pkg/logger"

	"github.com/urfave/cli/v2"
)

// main 是守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "guardian 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "guardian",
		Usage: "抵押品拍卖守护进程",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML 配置文件路径",
				Value:   "configs/guardian.yaml",
				EnvVars: []string{config.EnvPrefix + "CONFIG"},
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			journalCommand(),
			paramsCommand(),
		},
		After: func(*cli.Context) error {
			_ = logger.Sync()
			return nil
		},
	}
}

// loadConfig 读取配置并初始化日志。
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, nil
}
