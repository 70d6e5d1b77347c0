package ironware

import "github.com/sshcollectorpro/cling/addone/classify"

// Name Brocade/Foundry IronWare 错误分类器名称
const Name = "ironware"

// Patterns 按顺序匹配的错误特征
var Patterns = []string{
	`%Error`,
	`Invalid input`,
	`(?:incomplete|ambiguous) command`,
	`failed`,
	`[^\r\n]+ not found`,
	`not authorized`,
}

func init() {
	classify.Register(classify.MustPatterns(Name, "i", Patterns...))
}
