package iosxr

import "github.com/sshcollectorpro/cling/addone/classify"

// Name Cisco IOS XR 错误分类器名称
const Name = "iosxr"

// Patterns 按顺序匹配的错误特征
var Patterns = []string{
	`%\s+invalid`,
	`%\s+unknown`,
	`%\s+ambiguous`,
	`%\s+incomplete`,
	`%\s+bad\s+hostname`,
	`authorization failed`,
}

func init() {
	classify.Register(classify.MustPatterns(Name, "i", Patterns...))
}
