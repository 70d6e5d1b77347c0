// Package all 引入全部平台分类器插件，触发各平台的 init() 完成注册
package all

import (
	_ "github.com/sshcollectorpro/cling/addone/classify/platforms/acos"
	_ "github.com/sshcollectorpro/cling/addone/classify/platforms/checkpoint"
	_ "github.com/sshcollectorpro/cling/addone/classify/platforms/cumulus"
	_ "github.com/sshcollectorpro/cling/addone/classify/platforms/eos"
	_ "github.com/sshcollectorpro/cling/addone/classify/platforms/ios"
	_ "github.com/sshcollectorpro/cling/addone/classify/platforms/iosxr"
	_ "github.com/sshcollectorpro/cling/addone/classify/platforms/ironware"
	_ "github.com/sshcollectorpro/cling/addone/classify/platforms/junos"
	_ "github.com/sshcollectorpro/cling/addone/classify/platforms/panos"
	_ "github.com/sshcollectorpro/cling/addone/classify/platforms/tmos"
	_ "github.com/sshcollectorpro/cling/addone/classify/platforms/tripplite"
)
