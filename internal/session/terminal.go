package session

import (
	"context"
	"regexp"
)

var lineUsernamePrompt = regexp.MustCompile(`(?i)username: `)

// LineLogin 在终端服务器上连接指定串口线路，并用会话凭据登录线路另一端的设备
func (s *Session) LineLogin(ctx context.Context, line string) error {
	if s.state != Ready {
		return &Error{Kind: KindNotReady, Host: s.cfg.Hostname, Detail: s.state.String()}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// 线路登录提示比提示符搜索窗口长，登录期间搜索整个缓冲区
	s.proc.SetSearchWindow(0)
	defer func() {
		if s.proc != nil {
			s.proc.SetSearchWindow(s.cfg.SearchWindowSize)
		}
	}()

	if err := s.sendLine(line, false); err != nil {
		return err
	}
	if _, err := s.expect(lineUsernamePrompt); err != nil {
		return err
	}
	if err := s.sendLine(s.cfg.Username, false); err != nil {
		return err
	}
	if _, err := s.expect(passwordPrompt); err != nil {
		return err
	}
	if err := s.sendLine(s.cfg.Password, true); err != nil {
		return err
	}
	// 部分线路需要额外一个回车才输出提示符
	return s.sendLine("", false)
}

// LineLogout 发送 Ctrl-^ x 回到终端服务器并断开线路
func (s *Session) LineLogout() error {
	if s.state != Ready {
		return &Error{Kind: KindNotReady, Host: s.cfg.Hostname, Detail: s.state.String()}
	}
	if err := s.send("\x1ex", false); err != nil {
		return err
	}
	if err := s.sendLine("disconnect", false); err != nil {
		return err
	}
	return s.sendLine("", false)
}
