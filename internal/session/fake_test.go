package session

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	_ "github.com/sshcollectorpro/cling/addone/classify/platforms/all"
	"github.com/sshcollectorpro/cling/pkg/expect"
)

// fakeDevice 同步脚本化的设备：每次 SendLine 立即把响应追加到缓冲区，
// Expect 在缓冲区中查找，找不到时立即返回超时（或 EOF）。
type fakeDevice struct {
	mu      sync.Mutex
	pending string
	before  string
	window  int
	eof     bool
	closed  bool
	raw     []string
	lines   []string
	respond func(line string) string
}

func newFakeDevice(banner string, respond func(string) string) *fakeDevice {
	return &fakeDevice{pending: banner, respond: respond}
}

func (f *fakeDevice) Send(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return expect.ErrClosed
	}
	f.raw = append(f.raw, s)
	return nil
}

func (f *fakeDevice) SendLine(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return expect.ErrClosed
	}
	f.lines = append(f.lines, s)
	if f.respond != nil {
		f.pending += f.respond(s)
	}
	return nil
}

func (f *fakeDevice) Expect(re *regexp.Regexp, timeout time.Duration) (expect.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return expect.Match{}, expect.ErrClosed
	}
	start := 0
	if f.window > 0 && len(f.pending) > f.window {
		start = len(f.pending) - f.window
	}
	if loc := re.FindStringIndex(f.pending[start:]); loc != nil {
		from, to := start+loc[0], start+loc[1]
		m := expect.Match{Before: f.pending[:from], After: f.pending[from:to]}
		f.pending = f.pending[to:]
		f.before = m.Before
		return m, nil
	}
	f.before = f.pending
	if f.eof {
		f.pending = ""
		return expect.Match{Before: f.before}, expect.ErrEOF
	}
	return expect.Match{Before: f.before}, expect.ErrTimeout
}

func (f *fakeDevice) SetSearchWindow(n int) {
	f.mu.Lock()
	f.window = n
	f.mu.Unlock()
}

func (f *fakeDevice) Before() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.before
}

func (f *fakeDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeDevice) sentLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

// fakeSpawner 按顺序返回预置的设备
type fakeSpawner struct {
	devices  []*fakeDevice
	requests []expect.SpawnRequest
	err      error
	preAuth  bool
}

func (s *fakeSpawner) Spawn(ctx context.Context, req expect.SpawnRequest) (expect.Process, error) {
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.requests) > len(s.devices) {
		return nil, errors.New("no more fake devices")
	}
	return s.devices[len(s.requests)-1], nil
}

type preAuthSpawner struct{ *fakeSpawner }

func (preAuthSpawner) PreAuthenticated() bool { return true }

type sleepRecorder struct {
	calls []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.calls = append(r.calls, d)
	return ctx.Err()
}

// echoDevice 回显命令并给出提示符，replies 中的命令使用预置输出
func echoDevice(prompt string, replies map[string]string) func(string) string {
	return func(line string) string {
		if out, ok := replies[line]; ok {
			return line + "\r\n" + out + prompt
		}
		return line + "\r\n" + prompt
	}
}

// loginDevice 先给出密码提示，收到密码后输出提示符，随后回显命令
func loginDevice(password, prompt string, replies map[string]string) *fakeDevice {
	authed := false
	echo := echoDevice(prompt, replies)
	return newFakeDevice("Password: ", func(line string) string {
		if !authed {
			if line == password {
				authed = true
				return "\r\n" + prompt
			}
			return "\r\nPermission denied, please try again.\r\nPassword: "
		}
		return echo(line)
	})
}
