package expect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

// SpawnRequest 建立一个交互式进程所需的全部参数
type SpawnRequest struct {
	Host         string
	Port         int
	Username     string
	Password     string
	IdentityFile string
	// Argv 外部客户端命令行（PTYSpawner 使用）
	Argv    []string
	Timeout time.Duration
	Options Options
}

// Spawner 创建 Process
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (Process, error)
}

// PreAuthenticator 由协议内完成认证的 Spawner 实现（如原生 SSH），
// 会话据此跳过密码提示的交互
type PreAuthenticator interface {
	PreAuthenticated() bool
}

// PTYSpawner 在伪终端中运行外部客户端（ssh/telnet）
type PTYSpawner struct {
	// Cols 终端宽度；设备回显超过宽度会折行，默认取较大值
	Cols uint16
	Rows uint16
	Env  []string
}

func (s *PTYSpawner) Spawn(ctx context.Context, req SpawnRequest) (Process, error) {
	if len(req.Argv) == 0 {
		return nil, errors.New("pty spawn: empty command line")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(req.Argv[0], req.Argv[1:]...)
	cmd.Env = append(os.Environ(), "TERM=vt100")
	cmd.Env = append(cmd.Env, s.Env...)

	cols, rows := s.Cols, s.Rows
	if cols == 0 {
		cols = 511
	}
	if rows == 0 {
		rows = 24
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("pty spawn %s: %w", req.Argv[0], err)
	}
	return NewExpecter(ptmx, ptmx, &childCloser{ptmx: ptmx, cmd: cmd}, req.Options), nil
}

type childCloser struct {
	ptmx *os.File
	cmd  *exec.Cmd
	once sync.Once
	err  error
}

func (c *childCloser) Close() error {
	c.once.Do(func() {
		c.err = c.ptmx.Close()
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
			_ = c.cmd.Wait()
		}
	})
	return c.err
}
