// Package classify 判定设备命令输出是否为错误提示。
// 每个平台一个分类器，由 platforms/<name> 插件在 init() 中注册。
package classify

import (
	"fmt"
	"regexp"
)

const DefaultName = "default"

// DefaultWindow 默认只检查输出末尾的字符数
const DefaultWindow = 100

// Classifier 错误分类器
type Classifier interface {
	// Name 平台名称，与 personality 名称一致
	Name() string
	// HasError window 为输出末尾的一段文本
	HasError(window string) bool
}

// Matcher 能给出命中证据的分类器
type Matcher interface {
	Classifier
	Match(window string) (rule, evidence string, ok bool)
}

// DefaultClassifier 从不报告错误，用于未知平台
type DefaultClassifier struct{}

func (DefaultClassifier) Name() string                { return DefaultName }
func (DefaultClassifier) HasError(window string) bool { return false }

// PatternClassifier 任一正则命中即判定为错误
type PatternClassifier struct {
	name  string
	rules []*regexp.Regexp
}

// NewPatternClassifier flags 作为内联标志前缀，如 "i" 或 "im"
func NewPatternClassifier(name, flags string, patterns ...string) (*PatternClassifier, error) {
	c := &PatternClassifier{name: name}
	prefix := ""
	if flags != "" {
		prefix = "(?" + flags + ")"
	}
	for _, p := range patterns {
		re, err := regexp.Compile(prefix + p)
		if err != nil {
			return nil, fmt.Errorf("classifier %s: %w", name, err)
		}
		c.rules = append(c.rules, re)
	}
	return c, nil
}

// MustPatterns 供插件 init() 使用，正则非法时 panic
func MustPatterns(name, flags string, patterns ...string) *PatternClassifier {
	c, err := NewPatternClassifier(name, flags, patterns...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *PatternClassifier) Name() string { return c.name }

func (c *PatternClassifier) HasError(window string) bool {
	_, _, ok := c.Match(window)
	return ok
}

func (c *PatternClassifier) Match(window string) (string, string, bool) {
	for _, re := range c.rules {
		if loc := re.FindStringIndex(window); loc != nil {
			return re.String(), window[loc[0]:loc[1]], true
		}
	}
	return "", "", false
}

// Patterns 返回规则源文本
func (c *PatternClassifier) Patterns() []string {
	out := make([]string, len(c.rules))
	for i, re := range c.rules {
		out[i] = re.String()
	}
	return out
}

// Result 一次分类的结论
type Result struct {
	IsError  bool   `json:"is_error"`
	Rule     string `json:"rule,omitempty"`
	Evidence string `json:"evidence,omitempty"`
	Window   string `json:"-"`
}

// Window 取 output 末尾 size 个字符（按 rune 计），size<=0 时取默认值
func Window(output string, size int) string {
	if size <= 0 {
		size = DefaultWindow
	}
	runes := []rune(output)
	if len(runes) <= size {
		return output
	}
	return string(runes[len(runes)-size:])
}

// Classify 对 output 末尾窗口做分类
func Classify(c Classifier, output string, size int) Result {
	w := Window(output, size)
	if m, ok := c.(Matcher); ok {
		rule, evidence, hit := m.Match(w)
		return Result{IsError: hit, Rule: rule, Evidence: evidence, Window: w}
	}
	return Result{IsError: c.HasError(w), Window: w}
}
