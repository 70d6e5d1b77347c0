// Package session 驱动单台设备的交互式 CLI 会话：登录（含重试）、
// 执行命令（含内嵌控制指令）、输出清洗、错误分类与退出。
// 会话不是并发安全的，同一时刻只能由一个调用方使用。
package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/cling/addone/classify"
	"github.com/sshcollectorpro/cling/internal/discovery"
	"github.com/sshcollectorpro/cling/internal/personality"
	"github.com/sshcollectorpro/cling/pkg/expect"
	"github.com/sshcollectorpro/cling/pkg/logger"
)

// SNMPPersonality 使用该名称时通过 SNMP sysDescr 自动识别平台
const SNMPPersonality = "snmp"

// State 会话状态
type State int

const (
	Unauthenticated State = iota
	Authenticating
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	passwordPrompt = regexp.MustCompile(`(?i)password: `)
	usernamePrompt = regexp.MustCompile(`(?i)(?:username|login): `)
)

// Sleeper 可替换的等待函数，测试中用于记录而不真正等待
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type options struct {
	spawner expect.Spawner
	table   *personality.Table
	fetcher discovery.SysDescrFetcher
	sleep   Sleeper
}

// Option 构造选项
type Option func(*options)

// WithSpawner 替换进程创建方式，默认在 PTY 中运行外部客户端
func WithSpawner(s expect.Spawner) Option {
	return func(o *options) { o.spawner = s }
}

// WithTable 使用自定义平台表，默认内置表
func WithTable(t *personality.Table) Option {
	return func(o *options) { o.table = t }
}

// WithFetcher 替换 SNMP 自动识别的 sysDescr 来源
func WithFetcher(f discovery.SysDescrFetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithSleeper 替换 sleep 指令与登录重试间隔的等待实现
func WithSleeper(s Sleeper) Option {
	return func(o *options) { o.sleep = s }
}

// Session 单台设备的会话
type Session struct {
	cfg         Config
	personality *personality.Personality
	prompt      *regexp.Regexp
	classifier  classify.Classifier
	spawner     expect.Spawner
	sleep       Sleeper
	log         *logrus.Entry

	proc  expect.Process
	state State
}

// New 校验平台并绑定分类器；personality 为 "snmp" 时先做自动识别，
// 识别失败或平台未知都在此处返回错误
func New(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	cfg = cfg.normalized()
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.table == nil {
		o.table = personality.Builtin()
	}
	if o.spawner == nil {
		o.spawner = &expect.PTYSpawner{}
	}
	if o.sleep == nil {
		o.sleep = sleepContext
	}

	log := logger.ForHost(cfg.Hostname)

	var p *personality.Personality
	if cfg.Personality == SNMPPersonality {
		fetcher := o.fetcher
		if fetcher == nil {
			fetcher = &discovery.SNMPFetcher{
				Community: cfg.SNMPCommunity,
				Version:   cfg.SNMPVersion,
				Timeout:   cfg.Timeout,
			}
		}
		found, descr, err := discovery.Discover(ctx, fetcher, o.table, cfg.Hostname)
		if err != nil {
			return nil, &Error{Kind: KindDiscoveryFailed, Host: cfg.Hostname, Evidence: descr, Err: err}
		}
		log.Debugf("discovered personality %s from sysDescr %q", found.Name, descr)
		p = found
		cfg.Personality = found.Name
	} else {
		found, err := o.table.Lookup(cfg.Personality)
		if err != nil {
			return nil, &Error{Kind: KindUnknownPersonality, Host: cfg.Hostname, Detail: cfg.Personality, Err: err}
		}
		p = found
	}

	classifier := classify.Get(p.Name)
	log.Debugf("using %s error classifier", classifier.Name())

	return &Session{
		cfg:         cfg,
		personality: p,
		prompt:      p.PromptRegexp(),
		classifier:  classifier,
		spawner:     o.spawner,
		sleep:       o.sleep,
		log:         log,
		state:       Unauthenticated,
	}, nil
}

func (s *Session) Hostname() string                      { return s.cfg.Hostname }
func (s *Session) Personality() *personality.Personality { return s.personality }
func (s *Session) Classifier() classify.Classifier       { return s.classifier }
func (s *Session) State() State                          { return s.state }

// SetSimulation 切换演练模式：普通命令不下发，sleep 指令仍然生效
func (s *Session) SetSimulation(on bool) { s.cfg.Simulation = on }

// Login 最多尝试 MaxLoginAttempts 次，每次都重新创建进程；
// 两次尝试之间固定等待 FailedLoginRetryPause。最后一次的错误返回给调用方。
func (s *Session) Login(ctx context.Context) error {
	attempts := s.cfg.MaxLoginAttempts
	for attempt := 1; ; attempt++ {
		s.log.Debugf("attempt %d: login to %s", attempt, s.cfg.Hostname)
		err := s.attemptLogin(ctx)
		if err == nil {
			s.log.Debugf("done logging-in to %s", s.cfg.Hostname)
			return nil
		}
		s.release()
		s.state = Unauthenticated
		if ctx.Err() != nil {
			return err
		}
		if attempt >= attempts {
			s.log.Warnf("all %d connection attempts failed: %v", attempts, err)
			return err
		}
		s.log.Debugf("connection failed, %d attempt(s) left: %v", attempts-attempt, err)
		if serr := s.sleep(ctx, s.cfg.FailedLoginRetryPause); serr != nil {
			return err
		}
	}
}

func (s *Session) attemptLogin(ctx context.Context) error {
	// 上一次的进程句柄必须先释放
	s.release()
	s.state = Authenticating
	if err := ctx.Err(); err != nil {
		return err
	}

	argv := BuildInvocation(s.cfg)
	req := expect.SpawnRequest{
		Host:     s.cfg.Hostname,
		Port:     s.cfg.Port,
		Username: s.cfg.Username,
		Password: s.cfg.Password,
		Argv:     argv,
		Timeout:  s.cfg.Timeout,
		Options: expect.Options{
			MaxRead:         s.cfg.MaxReadBufferSize,
			ReadLoopTimeout: s.cfg.ReadLoopTimeout,
			LineTerminator:  s.cfg.LineTerminator,
		},
	}
	if s.cfg.PubKeyAuth {
		req.IdentityFile = s.cfg.IdentityPath
	}
	s.log.Debugf("spawning %v", argv)
	proc, err := s.spawner.Spawn(ctx, req)
	if err != nil {
		return &Error{Kind: KindConnectFailed, Host: s.cfg.Hostname, Err: err}
	}
	s.proc = proc

	if s.cfg.Protocol == ProtocolTelnet {
		if _, err := s.expect(usernamePrompt); err != nil {
			return &Error{Kind: KindConnectFailed, Host: s.cfg.Hostname, Detail: "no username prompt", Err: err}
		}
		if err := s.sendLine(s.cfg.Username, false); err != nil {
			return &Error{Kind: KindConnectFailed, Host: s.cfg.Hostname, Err: err}
		}
	}

	preAuth := false
	if pa, ok := s.spawner.(expect.PreAuthenticator); ok {
		preAuth = pa.PreAuthenticated()
	}

	if !s.cfg.PubKeyAuth && !preAuth {
		if _, err := s.expect(passwordPrompt); err != nil {
			return &Error{Kind: KindConnectFailed, Host: s.cfg.Hostname, Detail: "no password prompt", Err: err}
		}
		if err := s.sendLine(s.cfg.Password, true); err != nil {
			return &Error{Kind: KindLoginFailed, Host: s.cfg.Hostname, Err: err}
		}
	}
	if _, err := s.expect(s.prompt); err != nil {
		return &Error{Kind: KindLoginFailed, Host: s.cfg.Hostname, Detail: "no cli prompt", Err: err}
	}

	s.proc.SetSearchWindow(s.cfg.SearchWindowSize)
	s.state = Ready

	for _, c := range s.personality.InitCommands {
		if _, err := s.run(ctx, c, false); err != nil {
			return err
		}
	}
	return nil
}

// RunCommand 执行一条命令（可包含控制指令），返回清洗后的输出。
// force 为 true 时无视演练模式。
func (s *Session) RunCommand(ctx context.Context, command string, force bool) (string, error) {
	if s.state != Ready {
		return "", &Error{Kind: KindNotReady, Host: s.cfg.Hostname, Detail: s.state.String()}
	}
	return s.run(ctx, command, force)
}

// RunCommands 依次执行，遇到第一个错误即停止；返回已完成命令的输出
func (s *Session) RunCommands(ctx context.Context, commands []string) ([]string, error) {
	outputs := make([]string, 0, len(commands))
	for _, c := range commands {
		out, err := s.RunCommand(ctx, c, false)
		if err != nil {
			return outputs, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// RunCommandRaw 发送命令并返回提示符之前的原始缓冲，不做清洗与错误分类
func (s *Session) RunCommandRaw(ctx context.Context, command string) (string, error) {
	if s.state != Ready {
		return "", &Error{Kind: KindNotReady, Host: s.cfg.Hostname, Detail: s.state.String()}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := s.sendLine(command, false); err != nil {
		s.abort()
		return "", err
	}
	m, err := s.expect(s.prompt)
	if err != nil {
		s.abort()
		return "", err
	}
	return m.Before, nil
}

// Logout 发送退出命令并释放进程，忽略所有错误
func (s *Session) Logout() {
	if s.proc != nil {
		for _, c := range s.personality.ExitCommands {
			if err := s.sendLine(c, false); err != nil {
				s.log.Debugf("logout: %v", err)
				break
			}
		}
	}
	s.release()
	s.state = Closed
}

func (s *Session) release() {
	if s.proc == nil {
		return
	}
	if err := s.proc.Close(); err != nil {
		s.log.Debugf("close process: %v", err)
	}
	s.proc = nil
}

// abort 设备无响应或进程退出：不再发送退出命令，直接释放
func (s *Session) abort() {
	s.release()
	s.state = Closed
}

func (s *Session) send(text string, hidden bool) error {
	if hidden {
		s.log.Debugf("sending: %s", logger.HiddenText)
	} else {
		s.log.Debugf("sending: %q", text)
	}
	if s.proc == nil {
		return &Error{Kind: KindChildTerminated, Host: s.cfg.Hostname, Detail: "no process"}
	}
	if err := s.proc.Send(text); err != nil {
		return &Error{Kind: KindChildTerminated, Host: s.cfg.Hostname, Evidence: s.proc.Before(), Err: err}
	}
	return nil
}

func (s *Session) sendLine(text string, hidden bool) error {
	if hidden {
		s.log.Debugf("sending line: %s", logger.HiddenText)
	} else {
		s.log.Debugf("sending line: %q", text)
	}
	if s.proc == nil {
		return &Error{Kind: KindChildTerminated, Host: s.cfg.Hostname, Detail: "no process"}
	}
	if err := s.proc.SendLine(text); err != nil {
		return &Error{Kind: KindChildTerminated, Host: s.cfg.Hostname, Evidence: s.proc.Before(), Err: err}
	}
	return nil
}

// expect 等待 re 匹配，超时与 EOF 转换为会话错误
func (s *Session) expect(re *regexp.Regexp) (expect.Match, error) {
	if s.proc == nil {
		return expect.Match{}, &Error{Kind: KindChildTerminated, Host: s.cfg.Hostname, Detail: "no process"}
	}
	s.log.Debugf("expecting %s", re)
	m, err := s.proc.Expect(re, s.cfg.Timeout)
	switch {
	case err == nil:
		s.log.Debugf("before: %q after: %q", m.Before, m.After)
		return m, nil
	case errors.Is(err, expect.ErrTimeout):
		return m, &Error{Kind: KindTimeoutMatching, Host: s.cfg.Hostname, Detail: re.String(), Evidence: s.proc.Before(), Err: err}
	default:
		return m, &Error{Kind: KindChildTerminated, Host: s.cfg.Hostname, Evidence: s.proc.Before(), Err: err}
	}
}
