package session

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"
)

// DirectiveKind 命令字符串中内嵌的控制指令
type DirectiveKind int

const (
	Plain DirectiveKind = iota
	Sleep
	RawSend
	ForceExec
	IgnoreErrors
	SendLine
)

func (k DirectiveKind) String() string {
	switch k {
	case Plain:
		return "plain"
	case Sleep:
		return "sleep"
	case RawSend:
		return "send"
	case ForceExec:
		return "force_exec"
	case IgnoreErrors:
		return "ignore_err"
	case SendLine:
		return "send_line"
	}
	return fmt.Sprintf("directive(%d)", int(k))
}

// Directive 解析后的命令；ForceExec/IgnoreErrors 通过 Inner 嵌套
type Directive struct {
	Kind    DirectiveKind
	Text    string
	Seconds int64
	Inner   *Directive
}

// MaxSleepSeconds time.Duration 能表示的最大整秒数，更大的 <sleep N> 截断到此值
const MaxSleepSeconds = math.MaxInt64 / int64(time.Second)

var (
	sleepTag     = regexp.MustCompile(`(?i)^<sleep (\d+)>$`)
	sendTag      = regexp.MustCompile(`(?i)^<send>(.+)$`)
	forceExecTag = regexp.MustCompile(`(?i)^<force_exec>(.+)$`)
	ignoreErrTag = regexp.MustCompile(`(?i)^<ignore_err>(.+)$`)
	sendLineTag  = regexp.MustCompile(`(?i)^<send_line>(.+)$`)
)

// ParseDirective 按固定优先级解析：sleep、send、force_exec、ignore_err、send_line，
// 都不匹配时为普通命令。force_exec 与 ignore_err 递归解析剩余部分。
func ParseDirective(command string) Directive {
	if m := sleepTag.FindStringSubmatch(command); m != nil {
		// m[1] 只含数字，解析失败只可能是越界
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || n > MaxSleepSeconds {
			n = MaxSleepSeconds
		}
		return Directive{Kind: Sleep, Text: command, Seconds: n}
	}
	if m := sendTag.FindStringSubmatch(command); m != nil {
		return Directive{Kind: RawSend, Text: m[1]}
	}
	if m := forceExecTag.FindStringSubmatch(command); m != nil {
		inner := ParseDirective(m[1])
		return Directive{Kind: ForceExec, Text: m[1], Inner: &inner}
	}
	if m := ignoreErrTag.FindStringSubmatch(command); m != nil {
		inner := ParseDirective(m[1])
		return Directive{Kind: IgnoreErrors, Text: m[1], Inner: &inner}
	}
	if m := sendLineTag.FindStringSubmatch(command); m != nil {
		return Directive{Kind: SendLine, Text: m[1]}
	}
	return Directive{Kind: Plain, Text: command}
}

// String 还原为命令字符串
func (d Directive) String() string {
	switch d.Kind {
	case Sleep:
		return fmt.Sprintf("<sleep %d>", d.Seconds)
	case RawSend:
		return "<send>" + d.Text
	case ForceExec:
		return "<force_exec>" + d.Inner.String()
	case IgnoreErrors:
		return "<ignore_err>" + d.Inner.String()
	case SendLine:
		return "<send_line>" + d.Text
	}
	return d.Text
}
