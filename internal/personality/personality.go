// Package personality 描述各厂商 CLI 的交互特征：提示符、登录后初始化命令、
// 退出命令序列以及用于 SNMP 自动识别的 sysDescr 特征。
package personality

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
)

// DefaultPrompt 所有内置平台共用的提示符正则，匹配时大小写不敏感
const DefaultPrompt = `[#>$%] ?$`

const Generic = "generic"

var (
	ErrNotFound         = errors.New("personality not found")
	ErrNoSignatureMatch = errors.New("no personality matches system description")
)

// Personality 单个平台的交互特征
type Personality struct {
	Name         string   `yaml:"name" json:"name"`
	Prompt       string   `yaml:"prompt" json:"prompt"`
	InitCommands []string `yaml:"init_commands" json:"init_commands"`
	ExitCommands []string `yaml:"exit_commands" json:"exit_commands"`
	// Signature 匹配 SNMP sysDescr 的正则，空表示不参与自动识别
	Signature string `yaml:"signature" json:"signature,omitempty"`
	// EraseBackspaces 输出中带有 "字符+退格" 残留的平台（tmos）
	EraseBackspaces bool `yaml:"erase_backspaces" json:"erase_backspaces,omitempty"`

	prompt    *regexp.Regexp
	signature *regexp.Regexp
}

// PromptRegexp 编译后的提示符正则
func (p *Personality) PromptRegexp() *regexp.Regexp {
	return p.prompt
}

func (p *Personality) compile() error {
	if p.Prompt == "" {
		p.Prompt = DefaultPrompt
	}
	re, err := regexp.Compile("(?i)" + p.Prompt)
	if err != nil {
		return fmt.Errorf("personality %s: prompt: %w", p.Name, err)
	}
	p.prompt = re
	if p.Signature != "" {
		sig, err := regexp.Compile("(?i)" + p.Signature)
		if err != nil {
			return fmt.Errorf("personality %s: signature: %w", p.Name, err)
		}
		p.signature = sig
	}
	return nil
}

// Table 构造后只读，可在多个会话间共享
type Table struct {
	byName map[string]*Personality
	order  []string // 特征匹配顺序
}

// NewTable 按给定顺序建表；同名定义后者覆盖前者但保留首次出现的位置。
// generic 总是存在。
func NewTable(defs ...Personality) (*Table, error) {
	t := &Table{byName: make(map[string]*Personality)}
	defs = append([]Personality{{Name: Generic, Prompt: DefaultPrompt}}, defs...)
	for i := range defs {
		p := defs[i]
		if p.Name == "" {
			return nil, errors.New("personality without name")
		}
		p.InitCommands = append([]string(nil), p.InitCommands...)
		p.ExitCommands = append([]string(nil), p.ExitCommands...)
		if err := p.compile(); err != nil {
			return nil, err
		}
		if _, ok := t.byName[p.Name]; !ok {
			t.order = append(t.order, p.Name)
		}
		t.byName[p.Name] = &p
	}
	return t, nil
}

// Lookup 按名称查找
func (t *Table) Lookup(name string) (*Personality, error) {
	p, ok := t.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return p, nil
}

// LookupBySignature 返回第一个特征匹配 sysDescr 的平台
func (t *Table) LookupBySignature(sysDescr string) (*Personality, error) {
	for _, name := range t.order {
		p := t.byName[name]
		if p.signature != nil && p.signature.MatchString(sysDescr) {
			return p, nil
		}
	}
	return nil, ErrNoSignatureMatch
}

// Names 排序后的全部名称
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.byName))
	for n := range t.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// All 按匹配顺序返回所有平台
func (t *Table) All() []*Personality {
	out := make([]*Personality, 0, len(t.order))
	for _, n := range t.order {
		out = append(out, t.byName[n])
	}
	return out
}
