package session

import (
	"errors"
	"fmt"
	"strings"
)

// Kind 会话错误分类
type Kind int

const (
	KindUnknownPersonality Kind = iota + 1
	KindDiscoveryFailed
	KindConnectFailed
	KindLoginFailed
	KindChildTerminated
	KindTimeoutMatching
	KindCommandError
	// KindNotReady 会话未登录或已关闭时调用命令
	KindNotReady
)

func (k Kind) String() string {
	switch k {
	case KindUnknownPersonality:
		return "unknown personality"
	case KindDiscoveryFailed:
		return "personality discovery failed"
	case KindConnectFailed:
		return "connection failed"
	case KindLoginFailed:
		return "login failed"
	case KindChildTerminated:
		return "child terminated"
	case KindTimeoutMatching:
		return "timeout pattern matching"
	case KindCommandError:
		return "command error"
	case KindNotReady:
		return "session not ready"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error 会话对外暴露的唯一错误类型
type Error struct {
	Kind Kind
	Host string
	// Detail 附加说明，如命令文本或平台名
	Detail string
	// Evidence 命中错误特征的输出窗口，或超时时未匹配的缓冲内容
	Evidence string
	Err      error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Host != "" {
		sb.WriteString(e.Host)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Kind.String())
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	if e.Evidence != "" {
		fmt.Fprintf(&sb, " [%s]", strings.TrimSpace(e.Evidence))
	}
	if e.Err != nil {
		fmt.Fprintf(&sb, " (%v)", e.Err)
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按 Kind 比较，使 errors.Is(err, ErrCommand) 之类的判断成立
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Host == "" && t.Kind == e.Kind
}

var (
	ErrUnknownPersonality = &Error{Kind: KindUnknownPersonality}
	ErrDiscoveryFailed    = &Error{Kind: KindDiscoveryFailed}
	ErrConnectFailed      = &Error{Kind: KindConnectFailed}
	ErrLoginFailed        = &Error{Kind: KindLoginFailed}
	ErrChildTerminated    = &Error{Kind: KindChildTerminated}
	ErrTimeoutMatching    = &Error{Kind: KindTimeoutMatching}
	ErrCommand            = &Error{Kind: KindCommandError}
	ErrNotReady           = &Error{Kind: KindNotReady}
)

// KindOf 返回错误链上第一个会话错误的类型，非会话错误返回 0
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
