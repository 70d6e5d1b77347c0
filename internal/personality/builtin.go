package personality

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// builtinDefinitions 内置平台。iosxr 必须排在 ios 之前：
// 两者 sysDescr 都含 "cisco ios"，按顺序匹配时 XR 优先命中。
var builtinDefinitions = []Personality{
	{
		Name:         "iosxr",
		InitCommands: []string{"terminal length 0"},
		ExitCommands: []string{"exit"},
		Signature:    `cisco ios xr`,
	},
	{
		Name:         "ios",
		InitCommands: []string{"terminal length 0"},
		ExitCommands: []string{"exit"},
		Signature:    `cisco ios`,
	},
	{
		Name:         "eos",
		InitCommands: []string{"terminal length 0"},
		ExitCommands: []string{"exit"},
		Signature:    `arista`,
	},
	{
		Name:         "ironware",
		InitCommands: []string{"skip-page-display"},
		ExitCommands: []string{"exit", "exit"},
		Signature:    `brocade|foundry`,
	},
	{
		Name:         "junos",
		InitCommands: []string{"set cli complete-on-space off", "set cli screen-length 0", "set cli screen-width 0"},
		ExitCommands: []string{"exit"},
		Signature:    `junos`,
	},
	{
		Name:         "webos",
		InitCommands: []string{"lines 0", "verbose 1"},
		ExitCommands: []string{"exit", "n"},
		Signature:    `alteon`,
	},
	{
		Name:         "acos",
		InitCommands: []string{"terminal length 0"},
		ExitCommands: []string{"exit", "exit", "y"},
		Signature:    `acos`,
	},
	{
		Name:         "netscaler",
		ExitCommands: []string{"exit"},
		Signature:    `netscaler`,
	},
	{
		Name:            "tmos",
		InitCommands:    []string{"tmsh", "modify cli preference pager disabled"},
		ExitCommands:    []string{"quit", "exit"},
		Signature:       `\.f5`,
		EraseBackspaces: true,
	},
	{
		Name:         "panos",
		InitCommands: []string{"set cli pager off"},
		ExitCommands: []string{"exit"},
		Signature:    `palo alto`,
	},
}

// Builtin 内置平台表
func Builtin() *Table {
	t, err := NewTable(builtinDefinitions...)
	if err != nil {
		panic(err)
	}
	return t
}

type definitionFile struct {
	Personalities []Personality `yaml:"personalities"`
}

// LoadDefinitions 读取 YAML 自定义平台定义
func LoadDefinitions(path string) ([]Personality, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read personalities: %w", err)
	}
	var f definitionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse personalities %s: %w", path, err)
	}
	return f.Personalities, nil
}

// BuiltinWith 内置平台加上自定义定义（同名时自定义覆盖）
func BuiltinWith(extra []Personality) (*Table, error) {
	defs := append(append([]Personality(nil), builtinDefinitions...), extra...)
	return NewTable(defs...)
}
