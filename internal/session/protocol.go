package session

import (
	"context"
	"time"

	"github.com/sshcollectorpro/cling/addone/classify"
	"github.com/sshcollectorpro/cling/pkg/logger"
)

func (s *Session) run(ctx context.Context, command string, force bool) (string, error) {
	return s.execute(ctx, ParseDirective(command), force, false)
}

func (s *Session) execute(ctx context.Context, d Directive, force, ignoreErr bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch d.Kind {
	case Sleep:
		s.log.Debugf("<sleeping for %d seconds>", d.Seconds)
		return "", s.sleep(ctx, time.Duration(d.Seconds)*time.Second)
	case ForceExec:
		s.log.Debugf("forcing exec of: %q", d.Inner)
		return s.execute(ctx, *d.Inner, true, ignoreErr)
	case IgnoreErrors:
		s.log.Debugf("ignoring possible errors on command: %q", d.Inner)
		return s.execute(ctx, *d.Inner, force, true)
	}

	if s.cfg.Simulation && !force {
		s.log.Debugf("simulation-send: %q", d)
		return "", nil
	}

	var err error
	switch d.Kind {
	case RawSend:
		err = s.send(d.Text, false)
	case SendLine:
		err = s.sendLine(d.Text, false)
	default:
		return s.plain(d.Text, ignoreErr)
	}
	if err != nil {
		// 写入失败说明进程已不可用
		s.abort()
	}
	return "", err
}

// plain 发送命令、等待提示符、清洗输出并分类
func (s *Session) plain(command string, ignoreErr bool) (string, error) {
	if err := s.sendLine(command, false); err != nil {
		s.abort()
		return "", err
	}
	m, err := s.expect(s.prompt)
	if err != nil {
		// 设备无响应或进程已退出，会话不可再用
		s.abort()
		return "", err
	}

	out := Scrub(m.Before, command, s.personality.EraseBackspaces)
	logger.DebugCommandOutput(s.log, command, out, 5)

	if ignoreErr {
		return out, nil
	}
	res := classify.Classify(s.classifier, out, s.cfg.ErrorLookupBufferSize)
	if res.IsError {
		s.log.Debugf("error condition met: %q", res.Window)
		return out, &Error{
			Kind:     KindCommandError,
			Host:     s.cfg.Hostname,
			Detail:   command,
			Evidence: res.Window,
		}
	}
	return out, nil
}
