package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sshcollectorpro/cling/internal/discovery"
	"github.com/sshcollectorpro/cling/internal/reactor"
	"github.com/sshcollectorpro/cling/internal/session"
	"github.com/sshcollectorpro/cling/internal/util"
	"github.com/sshcollectorpro/cling/pkg/expect"
)

type runFlags struct {
	hosts       []string
	hostFile    string
	commands    []string
	commandFile string
	personality string
	username    string
	password    string
	protocol    string
	port        int
	timeout     time.Duration
	workers     int
	simulation  bool
	native      bool
	raw         bool
	divider     string
}

// hostResult reactor 任务结果，按主机携带
type hostResult struct {
	host    string
	outputs []string
	err     error
}

func newRunCmd(root *rootFlags) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run commands on one or more devices",
		Example: `  cling run --hosts r1,r2 --personality ios -u admin -c "show clock" -c "show version"
  cling run --host-file hosts.txt --command-file cmds.txt --personality snmp`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			hosts, err := collectLines(flags.hosts, flags.hostFile)
			if err != nil {
				return err
			}
			commands, err := collectLines(flags.commands, flags.commandFile)
			if err != nil {
				return err
			}
			if len(hosts) == 0 {
				return fmt.Errorf("no hosts given (use --hosts or --host-file)")
			}

			defaults, workers, err := root.sessionDefaults()
			if err != nil {
				return err
			}
			table, err := root.table()
			if err != nil {
				return err
			}
			if flags.workers > 0 {
				workers = flags.workers
			}
			if flags.password == "" {
				flags.password = os.Getenv("CLING_PASSWORD")
			}

			base := session.Config{
				Personality: flags.personality,
				Username:    flags.username,
				Password:    flags.password,
				Protocol:    flags.protocol,
				Port:        flags.port,
				Timeout:     flags.timeout,
				Simulation:  flags.simulation,
			}.Merge(defaults)

			opts := []session.Option{session.WithTable(table)}
			if flags.native && base.Protocol != session.ProtocolTelnet {
				opts = append(opts, session.WithSpawner(&expect.SSHSpawner{}))
			}

			r := reactor.New(hosts, func(host string) hostResult {
				cfg := base
				cfg.Hostname = host
				outputs, err := runHost(ctx, cfg, commands, flags.raw, opts)
				return hostResult{host: host, outputs: outputs, err: err}
			}, workers)
			results := r.Run()
			sort.Slice(results, func(i, j int) bool { return results[i].host < results[j].host })

			failed := 0
			out := cmd.OutOrStdout()
			for _, res := range results {
				fmt.Fprintf(out, "==> %s <==\n", res.host)
				for i, o := range res.outputs {
					if i > 0 {
						fmt.Fprint(out, flags.divider)
					}
					fmt.Fprint(out, o)
				}
				if res.err != nil {
					failed++
					fmt.Fprintf(out, "!! %v\n", res.err)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d host(s) failed", failed, len(results))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&flags.hosts, "hosts", nil, "comma separated device hosts")
	f.StringVar(&flags.hostFile, "host-file", "", "file with one host per line")
	f.StringArrayVarP(&flags.commands, "command", "c", nil, "command to run (repeatable, may contain directives)")
	f.StringVar(&flags.commandFile, "command-file", "", "file with one command per line")
	f.StringVarP(&flags.personality, "personality", "P", "", "device personality, or snmp to discover it")
	f.StringVarP(&flags.username, "username", "u", "", "login username")
	f.StringVarP(&flags.password, "password", "p", "", "login password (default $CLING_PASSWORD)")
	f.StringVar(&flags.protocol, "protocol", "", "ssh or telnet")
	f.IntVar(&flags.port, "port", 0, "device port")
	f.DurationVar(&flags.timeout, "timeout", 0, "per-match timeout")
	f.IntVar(&flags.workers, "workers", 0, "number of concurrent sessions")
	f.BoolVar(&flags.simulation, "simulate", false, "log commands instead of sending them")
	f.BoolVar(&flags.native, "native", false, "use the built-in SSH client instead of the ssh binary")
	f.BoolVar(&flags.raw, "raw", false, "print a byte dump of the unscrubbed output")
	f.StringVar(&flags.divider, "divider", "------------------\n", "separator printed between command outputs")
	return cmd
}

// runHost 单台设备：登录、执行、退出；raw 模式输出逐字节转储
func runHost(ctx context.Context, cfg session.Config, commands []string, raw bool, opts []session.Option) ([]string, error) {
	s, err := session.New(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Login(ctx); err != nil {
		return nil, err
	}
	defer s.Logout()

	if !raw {
		return s.RunCommands(ctx, commands)
	}
	outputs := make([]string, 0, len(commands))
	for _, c := range commands {
		out, err := s.RunCommandRaw(ctx, c)
		if err != nil {
			return outputs, err
		}
		outputs = append(outputs, util.ByteDump(out))
	}
	return outputs, nil
}

// collectLines 合并命令行参数与文件内容，忽略空行和 # 注释
func collectLines(values []string, path string) ([]string, error) {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if path == "" {
		return out, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

func newPersonalitiesCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "personalities",
		Short: "List known device personalities",
		RunE: func(cmd *cobra.Command, _ []string) error {
			table, err := root.table()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSIGNATURE\tINIT\tEXIT")
			for _, p := range table.All() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, p.Signature, strings.Join(p.InitCommands, "; "), strings.Join(p.ExitCommands, "; "))
			}
			return w.Flush()
		},
	}
}

func newDiscoverCmd(root *rootFlags) *cobra.Command {
	var (
		community string
		version   string
		port      uint16
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "discover HOST...",
		Short: "Identify device personalities from SNMP sysDescr",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defaults, _, err := root.sessionDefaults()
			if err != nil {
				return err
			}
			table, err := root.table()
			if err != nil {
				return err
			}
			fetcher := &discovery.SNMPFetcher{
				Community: firstNonEmpty(community, defaults.SNMPCommunity),
				Version:   firstNonEmpty(version, defaults.SNMPVersion),
				Port:      port,
				Timeout:   timeout,
			}
			failed := 0
			for _, host := range args {
				p, descr, err := discovery.Discover(cmd.Context(), fetcher, table, host)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t-\t%v\n", host, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", host, p.Name, firstLine(descr))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d host(s) not identified", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&community, "community", "", "SNMP community")
	cmd.Flags().StringVar(&version, "snmp-version", "", "SNMP version (1 or 2c)")
	cmd.Flags().Uint16Var(&port, "snmp-port", 161, "SNMP port")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "SNMP timeout")
	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}
