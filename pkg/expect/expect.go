// Package expect 提供面向交互式 CLI 的 spawn/expect 原语：
// 发送文本，然后阻塞直到输出匹配正则、超时或流结束。
package expect

import (
	"errors"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/sshcollectorpro/cling/internal/util"
)

var (
	ErrTimeout = errors.New("expect: timeout waiting for pattern")
	ErrEOF     = errors.New("expect: end of stream")
	ErrClosed  = errors.New("expect: process closed")
)

// Match 一次成功匹配的结果
type Match struct {
	Before string // 匹配之前的全部文本
	After  string // 被匹配的文本
}

// Process 可交互的子进程/远端 shell
type Process interface {
	Send(s string) error
	SendLine(s string) error
	// Expect 阻塞直到 re 匹配、timeout 到期（ErrTimeout）或流结束（ErrEOF）。
	// 失败时 Before() 返回当前未消费的缓冲内容。
	Expect(re *regexp.Regexp, timeout time.Duration) (Match, error)
	// SetSearchWindow 只在缓冲区末尾 n 字节内搜索，n<=0 表示全缓冲区
	SetSearchWindow(n int)
	Before() string
	Close() error
}

// Options 读取与匹配参数
type Options struct {
	MaxRead         int           // 单次读取的最大字节数
	SearchWindow    int           // 初始搜索窗口，0 表示不限
	ReadLoopTimeout time.Duration // 空读后的退避时间
	LineTerminator  string        // SendLine 追加的行结束符
}

func (o Options) withDefaults() Options {
	if o.MaxRead <= 0 {
		o.MaxRead = 64000
	}
	if o.ReadLoopTimeout <= 0 {
		o.ReadLoopTimeout = 100 * time.Millisecond
	}
	if o.LineTerminator == "" {
		o.LineTerminator = "\n"
	}
	return o
}

// Expecter 基于任意读写流实现 Process
type Expecter struct {
	w      io.Writer
	closer io.Closer
	opts   Options

	chunks chan []byte
	stop   chan struct{}

	mu     sync.Mutex
	buf    []byte
	before string
	window int
	eof    bool
	closed bool
	once   sync.Once
}

// NewExpecter 启动后台读协程；closer 负责释放底层资源并使读操作返回
func NewExpecter(r io.Reader, w io.Writer, closer io.Closer, opts Options) *Expecter {
	opts = opts.withDefaults()
	e := &Expecter{
		w:      w,
		closer: closer,
		opts:   opts,
		chunks: make(chan []byte, 16),
		stop:   make(chan struct{}),
		window: opts.SearchWindow,
	}
	go e.readLoop(r)
	return e
}

func (e *Expecter) readLoop(r io.Reader) {
	defer close(e.chunks)
	chunk := make([]byte, e.opts.MaxRead)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			data := make([]byte, n)
			copy(data, chunk[:n])
			select {
			case e.chunks <- data:
			case <-e.stop:
				return
			}
		}
		if err != nil {
			return
		}
		if n == 0 {
			select {
			case <-time.After(e.opts.ReadLoopTimeout):
			case <-e.stop:
				return
			}
		}
	}
}

func (e *Expecter) Send(s string) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	_, err := io.WriteString(e.w, s)
	return err
}

func (e *Expecter) SendLine(s string) error {
	return e.Send(s + e.opts.LineTerminator)
}

func (e *Expecter) SetSearchWindow(n int) {
	e.mu.Lock()
	e.window = n
	e.mu.Unlock()
}

func (e *Expecter) Before() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.before
}

func (e *Expecter) Expect(re *regexp.Regexp, timeout time.Duration) (Match, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return Match{}, ErrClosed
		}
		if m, ok := e.search(re); ok {
			e.mu.Unlock()
			return m, nil
		}
		if e.eof {
			e.before = util.EnsureUTF8Bytes(e.buf)
			e.buf = nil
			m := Match{Before: e.before}
			e.mu.Unlock()
			return m, ErrEOF
		}
		e.mu.Unlock()

		select {
		case data, ok := <-e.chunks:
			e.mu.Lock()
			if ok {
				e.buf = append(e.buf, data...)
			} else {
				e.eof = true
			}
			e.mu.Unlock()
		case <-timer.C:
			e.mu.Lock()
			// 超时不消费缓冲区，后续 Expect 仍可匹配已到达的文本
			e.before = util.EnsureUTF8Bytes(e.buf)
			m := Match{Before: e.before}
			e.mu.Unlock()
			return m, ErrTimeout
		}
	}
}

// search 调用方需持有 mu
func (e *Expecter) search(re *regexp.Regexp) (Match, bool) {
	if len(e.buf) == 0 && !e.eof {
		return Match{}, false
	}
	start := 0
	if e.window > 0 && len(e.buf) > e.window {
		start = len(e.buf) - e.window
	}
	loc := re.FindIndex(e.buf[start:])
	if loc == nil {
		return Match{}, false
	}
	from, to := start+loc[0], start+loc[1]
	m := Match{
		Before: util.EnsureUTF8Bytes(e.buf[:from]),
		After:  util.EnsureUTF8Bytes(e.buf[from:to]),
	}
	e.buf = append([]byte(nil), e.buf[to:]...)
	e.before = m.Before
	return m, true
}

// Close 幂等；返回底层 closer 的错误
func (e *Expecter) Close() error {
	var err error
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.stop)
		if e.closer != nil {
			err = e.closer.Close()
		}
	})
	return err
}
