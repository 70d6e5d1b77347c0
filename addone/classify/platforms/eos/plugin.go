package eos

import "github.com/sshcollectorpro/cling/addone/classify"

// Name Arista EOS 错误分类器名称
const Name = "eos"

// Patterns 按顺序匹配的错误特征
var Patterns = []string{
	`% ?error`,
	`% ?bad secret`,
	`% ?invalid input`,
	`% ?(?:incomplete|ambiguous) command`,
	`connection timed out`,
	`returned error code:\d+`,
}

func init() {
	classify.Register(classify.MustPatterns(Name, "i", Patterns...))
}
