package cumulus

import "github.com/sshcollectorpro/cling/addone/classify"

// Name Cumulus Linux 错误分类器名称
const Name = "cumulus"

// Patterns 按顺序匹配的错误特征
var Patterns = []string{
	`\s*error`,
	`\s+command\s+not\s+found`,
}

func init() {
	classify.Register(classify.MustPatterns(Name, "i", Patterns...))
}
