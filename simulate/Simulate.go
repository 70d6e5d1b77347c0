// Package simulate 提供一个模拟网络设备 CLI 的 SSH 服务，用于联调与传输层测试。
// 按登录用户名选择设备档案：主机名、提示符、口令、预置命令输出与错误行。
package simulate

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/crypto/ssh"

	"github.com/sshcollectorpro/cling/internal/personality"
	"github.com/sshcollectorpro/cling/pkg/logger"
)

const defaultErrorLine = "% Invalid input detected at '^' marker."

// Config simulate.yaml 配置结构
type Config struct {
	Listen      string `mapstructure:"listen"`
	IdleSeconds int    `mapstructure:"idle_seconds"`
	MaxConn     int    `mapstructure:"max_conn"`
	// HostKeyPath 为空时每次启动生成临时 host key
	HostKeyPath string                  `mapstructure:"host_key_path"`
	Devices     map[string]DeviceConfig `mapstructure:"devices"`
}

// DeviceConfig 设备档案，map 键为登录用户名
type DeviceConfig struct {
	Hostname    string `mapstructure:"hostname"`
	Personality string `mapstructure:"personality"`
	// PromptSuffix 紧跟主机名输出，如 "#"、"> "
	PromptSuffix string     `mapstructure:"prompt_suffix"`
	Password     string     `mapstructure:"password"`
	Banner       string     `mapstructure:"banner"`
	ErrorLine    string     `mapstructure:"error_line"`
	Backspaces   bool       `mapstructure:"backspaces"`
	Responses    []Response `mapstructure:"responses"`
}

// Response 预置的命令输出
type Response struct {
	Command string `mapstructure:"command"`
	Output  string `mapstructure:"output"`
}

// LoadConfig 读取模拟器配置
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	v.SetDefault("listen", "127.0.0.1:2222")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read simulate config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal simulate config: %w", err)
	}
	return &cfg, nil
}

// device 运行时的设备档案
type device struct {
	DeviceConfig
	known map[string]string
}

func (d *device) prompt() string {
	return d.Hostname + d.PromptSuffix
}

func newDevice(user string, dc DeviceConfig) *device {
	if dc.Hostname == "" {
		dc.Hostname = user
	}
	if dc.PromptSuffix == "" {
		dc.PromptSuffix = "#"
	}
	if dc.ErrorLine == "" {
		dc.ErrorLine = defaultErrorLine
	}
	d := &device{DeviceConfig: dc, known: map[string]string{}}
	// 平台初始化命令（分页关闭等）静默接受
	if dc.Personality != "" {
		if p, err := personality.Builtin().Lookup(dc.Personality); err == nil {
			for _, c := range p.InitCommands {
				d.known[c] = ""
			}
		}
	}
	for _, r := range dc.Responses {
		d.known[strings.TrimSpace(r.Command)] = r.Output
	}
	return d
}

// Server 模拟设备 SSH 服务
type Server struct {
	cfg      *Config
	devices  map[string]*device
	listener net.Listener
	hostKey  ssh.Signer

	mu     sync.Mutex
	active int
	wg     sync.WaitGroup
}

// Start 监听并开始接受连接；listen 为 "127.0.0.1:0" 时使用随机端口
func Start(cfg *Config) (*Server, error) {
	signer, err := loadOrCreateHostKey(cfg.HostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to init host key: %w", err)
	}
	s := &Server{cfg: cfg, devices: map[string]*device{}, hostKey: signer}
	for user, dc := range cfg.Devices {
		s.devices[strings.ToLower(user)] = newDevice(user, dc)
	}

	listen := cfg.Listen
	if listen == "" {
		listen = "127.0.0.1:2222"
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	s.listener = ln
	logger.WithField("addr", ln.Addr().String()).Infof("Simulate: server started with %d device(s)", len(s.devices))

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr 实际监听地址
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Stop 关闭监听并等待所有连接结束
func (s *Server) Stop() {
	_ = s.listener.Close()
	s.wg.Wait()
	logger.Infof("Simulate: server stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warnf("Simulate: accept error: %v", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		s.mu.Lock()
		if s.cfg.MaxConn > 0 && s.active >= s.cfg.MaxConn {
			s.mu.Unlock()
			_ = conn.Close()
			logger.Warnf("Simulate: reject connection, max_conn %d exceeded", s.cfg.MaxConn)
			continue
		}
		s.active++
		s.mu.Unlock()

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConn(c)
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
		}(conn)
	}
}

func (s *Server) checkPassword(user, password string) error {
	d, ok := s.devices[strings.ToLower(user)]
	if !ok || d.Password != password {
		return fmt.Errorf("access denied")
	}
	return nil
}

func (s *Server) handleConn(nc net.Conn) {
	srvCfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return nil, s.checkPassword(meta.User(), string(password))
		},
		KeyboardInteractiveCallback: func(meta ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge(meta.User(), "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) != 1 {
				return nil, fmt.Errorf("access denied")
			}
			return nil, s.checkPassword(meta.User(), answers[0])
		},
	}
	srvCfg.AddHostKey(s.hostKey)

	conn, chans, reqs, err := ssh.NewServerConn(nc, srvCfg)
	if err != nil {
		logger.Debugf("Simulate: handshake from %s failed: %v", nc.RemoteAddr(), err)
		_ = nc.Close()
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	d := s.devices[strings.ToLower(conn.User())]
	log := logger.ForHost(d.Hostname)
	log.Debugf("Simulate: user %s logged in from %s", conn.User(), nc.RemoteAddr())

	var sessions sync.WaitGroup
	for ch := range chans {
		if ch.ChannelType() != "session" {
			_ = ch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := ch.Accept()
		if err != nil {
			log.Warnf("Simulate: channel accept failed: %v", err)
			continue
		}
		sessions.Add(1)
		go func() {
			defer sessions.Done()
			s.handleSession(channel, requests, d)
		}()
	}
	sessions.Wait()
}

func (s *Server) handleSession(channel ssh.Channel, requests <-chan *ssh.Request, d *device) {
	defer channel.Close()
	for req := range requests {
		switch req.Type {
		case "pty-req":
			_ = req.Reply(true, nil)
		case "shell":
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)
			s.runShell(channel, d)
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
			return
		default:
			_ = req.Reply(false, nil)
		}
	}
}

// runShell 逐行读取命令：回显、输出、提示符一次写出
func (s *Server) runShell(channel ssh.Channel, d *device) {
	log := logger.ForHost(d.Hostname)
	var greeting strings.Builder
	if d.Banner != "" {
		greeting.WriteString(ensureCRLF(d.Banner))
	}
	greeting.WriteString("\r\n")
	greeting.WriteString(d.prompt())
	_, _ = channel.Write([]byte(greeting.String()))

	var idle *time.Timer
	if s.cfg.IdleSeconds > 0 {
		timeout := time.Duration(s.cfg.IdleSeconds) * time.Second
		idle = time.AfterFunc(timeout, func() {
			_, _ = channel.Write([]byte("\r\nSession closed due to idle timeout.\r\n"))
			_ = channel.Close()
		})
		defer idle.Stop()
	}

	lr := &lineReader{r: bufio.NewReader(channel)}
	for {
		line, err := lr.readLine()
		if err != nil {
			log.Debugf("Simulate: session ended: %v", err)
			return
		}
		if idle != nil {
			idle.Reset(time.Duration(s.cfg.IdleSeconds) * time.Second)
		}
		cmd := strings.TrimSpace(line)
		log.Debugf("Simulate: input %q", cmd)

		var out strings.Builder
		out.WriteString(line)
		out.WriteString("\r\n")
		if equalAny(cmd, "exit", "quit", "logout") {
			_, _ = channel.Write([]byte(out.String()))
			return
		}
		if cmd != "" {
			out.WriteString(d.respond(cmd))
		}
		out.WriteString(d.prompt())
		_, _ = channel.Write([]byte(out.String()))
	}
}

func (d *device) respond(cmd string) string {
	text, ok := d.known[cmd]
	if !ok {
		text = d.ErrorLine
	}
	if text == "" {
		return ""
	}
	text = ensureCRLF(text)
	if d.Backspaces {
		// 模拟 tmos 旋转光标残留：每行行首 "字符+退格"
		lines := strings.SplitAfter(text, "\r\n")
		for i, l := range lines {
			if l != "" {
				lines[i] = "|\b" + l
			}
		}
		text = strings.Join(lines, "")
	}
	return text
}

// lineReader 以 \r、\n 或 \r\n 结束一行
type lineReader struct {
	r      *bufio.Reader
	skipLF bool
}

func (lr *lineReader) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := lr.r.ReadByte()
		if err != nil {
			return sb.String(), err
		}
		if lr.skipLF {
			lr.skipLF = false
			if b == '\n' {
				continue
			}
		}
		switch b {
		case '\r':
			lr.skipLF = true
			return sb.String(), nil
		case '\n':
			return sb.String(), nil
		default:
			sb.WriteByte(b)
		}
	}
}

// loadOrCreateHostKey path 为空时生成临时 ed25519 key；否则加载或生成持久化的 RSA key
func loadOrCreateHostKey(path string) (ssh.Signer, error) {
	if path == "" {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return ssh.NewSignerFromKey(key)
	}

	if bs, err := os.ReadFile(path); err == nil {
		signer, err := ssh.ParsePrivateKey(bs)
		if err == nil {
			return signer, nil
		}
		logger.Warnf("Simulate: host key %s parse failed, regenerating: %v", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure host key dir: %w", err)
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write host key: %w", err)
	}
	logger.Infof("Simulate: host key generated at %s", path)
	return ssh.ParsePrivateKey(pemBytes)
}

func ensureCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", "\r\n")
	if !strings.HasSuffix(s, "\r\n") {
		s += "\r\n"
	}
	return s
}

func equalAny(s string, opts ...string) bool {
	for _, o := range opts {
		if strings.EqualFold(s, o) {
			return true
		}
	}
	return false
}
