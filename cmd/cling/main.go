// cling 命令行：批量登录网络设备执行命令、查看平台表、SNMP 识别平台
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sshcollectorpro/cling/internal/config"
	"github.com/sshcollectorpro/cling/internal/personality"
	"github.com/sshcollectorpro/cling/internal/session"
	"github.com/sshcollectorpro/cling/pkg/logger"
)

type rootFlags struct {
	configPath      string
	logLevel        string
	personalityFile string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags rootFlags
	cmd := &cobra.Command{
		Use:           "cling",
		Short:         "Automate CLI sessions on network devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := logger.Init(logger.Config{Level: flags.logLevel, Output: "console"}); err != nil {
				return err
			}
			// 设备输出走 stdout，日志改到 stderr
			logger.SetOutput(os.Stderr)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file providing session defaults")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&flags.personalityFile, "personalities", "", "YAML file with extra personality definitions")

	cmd.AddCommand(newRunCmd(&flags))
	cmd.AddCommand(newPersonalitiesCmd(&flags))
	cmd.AddCommand(newDiscoverCmd(&flags))
	return cmd
}

// sessionDefaults 有配置文件时取其 session 段，否则用内置默认值
func (f *rootFlags) sessionDefaults() (session.Config, int, error) {
	if f.configPath == "" {
		return session.DefaultConfig(), 8, nil
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return session.Config{}, 0, err
	}
	if f.personalityFile == "" {
		f.personalityFile = cfg.Personalities.File
	}
	return cfg.SessionDefaults(), cfg.Reactor.Workers, nil
}

func (f *rootFlags) table() (*personality.Table, error) {
	if f.personalityFile == "" {
		return personality.Builtin(), nil
	}
	defs, err := personality.LoadDefinitions(f.personalityFile)
	if err != nil {
		return nil, err
	}
	return personality.BuiltinWith(defs)
}
