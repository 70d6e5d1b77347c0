package session

import (
	"fmt"
	"strings"
)

// BuildInvocation 外部客户端命令行，是会话与传输层之间唯一的耦合点
func BuildInvocation(cfg Config) []string {
	if cfg.Protocol == ProtocolTelnet {
		argv := []string{cfg.TelnetBinaryPath, cfg.Hostname}
		if cfg.Port > 0 {
			argv = append(argv, fmt.Sprint(cfg.Port))
		}
		return argv
	}

	auth := "PreferredAuthentications=password,keyboard-interactive"
	if cfg.PubKeyAuth {
		auth += ",publickey"
	}
	argv := []string{
		cfg.ShellBinaryPath,
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "StrictHostKeyChecking=no",
		"-o", auth,
	}
	if cfg.PubKeyAuth && cfg.IdentityPath != "" {
		argv = append(argv, "-i", cfg.IdentityPath)
	}
	if cfg.Port > 0 {
		argv = append(argv, "-p", fmt.Sprint(cfg.Port))
	}
	argv = append(argv, cfg.Username+"@"+cfg.Hostname)
	if cfg.ExtraShellParams != "" {
		argv = append(argv, strings.Fields(cfg.ExtraShellParams)...)
	}
	return argv
}
