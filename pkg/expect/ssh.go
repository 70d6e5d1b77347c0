package expect

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHSpawner 通过 x/crypto/ssh 直接建立交互式 shell，不依赖外部 ssh 二进制
type SSHSpawner struct {
	// Nudge 为 true 时 shell 启动后发送一次回车，诱发不主动输出提示符的设备
	Nudge bool
}

func (s *SSHSpawner) PreAuthenticated() bool { return true }

// clientConfig 兼容老旧网络设备的算法列表
func clientConfig(req SpawnRequest) (*ssh.ClientConfig, error) {
	cfg := &ssh.ClientConfig{
		User:            req.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         req.Timeout,
		Config: ssh.Config{
			KeyExchanges: []string{
				"curve25519-sha256",
				"diffie-hellman-group14-sha256",
				"diffie-hellman-group14-sha1",
				"diffie-hellman-group1-sha1",
				"diffie-hellman-group-exchange-sha256",
				"diffie-hellman-group-exchange-sha1",
				"ecdh-sha2-nistp256",
				"ecdh-sha2-nistp384",
				"ecdh-sha2-nistp521",
			},
			Ciphers: []string{
				"aes128-ctr",
				"aes192-ctr",
				"aes256-ctr",
				"aes128-gcm@openssh.com",
				"aes256-gcm@openssh.com",
				"aes128-cbc",
				"aes192-cbc",
				"aes256-cbc",
				"3des-cbc",
			},
			MACs: []string{
				"hmac-sha2-256-etm@openssh.com",
				"hmac-sha2-256",
				"hmac-sha1",
				"hmac-sha1-96",
			},
		},
		HostKeyAlgorithms: []string{
			"ssh-ed25519",
			"rsa-sha2-256",
			"rsa-sha2-512",
			"ssh-rsa",
			"ecdsa-sha2-nistp256",
			"ecdsa-sha2-nistp384",
			"ecdsa-sha2-nistp521",
		},
	}

	if req.IdentityFile != "" {
		pem, err := os.ReadFile(req.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("read identity file: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse identity file: %w", err)
		}
		cfg.Auth = append(cfg.Auth, ssh.PublicKeys(signer))
	}
	if req.Password != "" {
		// 网络设备常用 keyboard-interactive，所有问题统一回答密码
		cfg.Auth = append(cfg.Auth,
			ssh.Password(req.Password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = req.Password
				}
				return answers, nil
			}),
		)
	}
	return cfg, nil
}

func (s *SSHSpawner) Spawn(ctx context.Context, req SpawnRequest) (Process, error) {
	cfg, err := clientConfig(req)
	if err != nil {
		return nil, err
	}
	port := req.Port
	if port == 0 {
		port = 22
	}
	address := net.JoinHostPort(req.Host, fmt.Sprint(port))

	dialer := &net.Dialer{Timeout: req.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	if req.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(req.Timeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create SSH connection: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})
	client := ssh.NewClient(sshConn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	var ptyErr error
	for _, term := range []string{"vt100", "xterm", "ansi", "dumb"} {
		if ptyErr = session.RequestPty(term, 24, 511, modes); ptyErr == nil {
			break
		}
	}
	if ptyErr != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("failed to request pty: %w", ptyErr)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("failed to get stdin: %w", err)
	}
	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw

	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}
	go func() {
		// shell 结束后关闭管道，读协程随之得到 EOF
		pw.CloseWithError(session.Wait())
	}()

	if s.Nudge {
		_, _ = stdin.Write([]byte("\r\n"))
	}

	closer := &shellCloser{session: session, client: client, stdin: stdin, pipe: pw}
	return NewExpecter(pr, stdin, closer, req.Options), nil
}

type shellCloser struct {
	session *ssh.Session
	client  *ssh.Client
	stdin   io.WriteCloser
	pipe    *io.PipeWriter
	once    sync.Once
}

func (c *shellCloser) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.stdin.Close()
		_ = c.session.Close()
		err = c.client.Close()
		_ = c.pipe.Close()
	})
	return err
}
