package session

import "time"

// Config 单个设备会话的构造参数
type Config struct {
	Hostname    string `mapstructure:"hostname" json:"hostname"`
	Personality string `mapstructure:"personality" json:"personality"`
	Username    string `mapstructure:"username" json:"username"`
	Password    string `mapstructure:"password" json:"-"`
	Port        int    `mapstructure:"port" json:"port,omitempty"`
	// Protocol ssh 或 telnet
	Protocol string `mapstructure:"protocol" json:"protocol"`

	Timeout         time.Duration `mapstructure:"timeout" json:"timeout"`
	ReadLoopTimeout time.Duration `mapstructure:"read_loop_timeout" json:"read_loop_timeout"`

	SNMPCommunity string `mapstructure:"snmp_community" json:"snmp_community"`
	SNMPVersion   string `mapstructure:"snmp_version" json:"snmp_version"`

	MaxReadBufferSize     int `mapstructure:"max_read_buffer_size" json:"max_read_buffer_size"`
	SearchWindowSize      int `mapstructure:"search_window_size" json:"search_window_size"`
	ErrorLookupBufferSize int `mapstructure:"error_lookup_buffer_size" json:"error_lookup_buffer_size"`

	MaxLoginAttempts      int           `mapstructure:"max_login_attempts" json:"max_login_attempts"`
	FailedLoginRetryPause time.Duration `mapstructure:"failed_login_retry_pause" json:"failed_login_retry_pause"`

	PubKeyAuth       bool   `mapstructure:"pub_key_auth" json:"pub_key_auth"`
	IdentityPath     string `mapstructure:"identity_path" json:"identity_path,omitempty"`
	ExtraShellParams string `mapstructure:"extra_shell_params" json:"extra_shell_params,omitempty"`
	ShellBinaryPath  string `mapstructure:"shell_binary_path" json:"shell_binary_path"`
	TelnetBinaryPath string `mapstructure:"telnet_binary_path" json:"telnet_binary_path"`

	Simulation     bool   `mapstructure:"simulation" json:"simulation"`
	LineTerminator string `mapstructure:"line_terminator" json:"line_terminator,omitempty"`
}

const (
	ProtocolSSH    = "ssh"
	ProtocolTelnet = "telnet"
)

// DefaultConfig 各参数默认值
func DefaultConfig() Config {
	return Config{
		Personality:           "generic",
		Protocol:              ProtocolSSH,
		Timeout:               10 * time.Second,
		ReadLoopTimeout:       100 * time.Millisecond,
		SNMPCommunity:         "public",
		SNMPVersion:           "2",
		MaxReadBufferSize:     64000,
		SearchWindowSize:      5,
		ErrorLookupBufferSize: 100,
		MaxLoginAttempts:      2,
		FailedLoginRetryPause: 3 * time.Second,
		ShellBinaryPath:       "/usr/bin/ssh",
		TelnetBinaryPath:      "/usr/bin/telnet",
		LineTerminator:        "\n",
	}
}

// Merge 用 c 中的非零值覆盖 base，返回合并结果。
// 布尔选项只能由 c 打开，不能关闭。
func (c Config) Merge(base Config) Config {
	out := base
	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setStr(&out.Hostname, c.Hostname)
	setStr(&out.Personality, c.Personality)
	setStr(&out.Username, c.Username)
	setStr(&out.Password, c.Password)
	setStr(&out.Protocol, c.Protocol)
	setStr(&out.SNMPCommunity, c.SNMPCommunity)
	setStr(&out.SNMPVersion, c.SNMPVersion)
	setStr(&out.IdentityPath, c.IdentityPath)
	setStr(&out.ExtraShellParams, c.ExtraShellParams)
	setStr(&out.ShellBinaryPath, c.ShellBinaryPath)
	setStr(&out.TelnetBinaryPath, c.TelnetBinaryPath)
	setStr(&out.LineTerminator, c.LineTerminator)
	if c.Port > 0 {
		out.Port = c.Port
	}
	if c.Timeout > 0 {
		out.Timeout = c.Timeout
	}
	if c.ReadLoopTimeout > 0 {
		out.ReadLoopTimeout = c.ReadLoopTimeout
	}
	if c.MaxReadBufferSize > 0 {
		out.MaxReadBufferSize = c.MaxReadBufferSize
	}
	if c.SearchWindowSize > 0 {
		out.SearchWindowSize = c.SearchWindowSize
	}
	if c.ErrorLookupBufferSize > 0 {
		out.ErrorLookupBufferSize = c.ErrorLookupBufferSize
	}
	if c.MaxLoginAttempts > 0 {
		out.MaxLoginAttempts = c.MaxLoginAttempts
	}
	if c.FailedLoginRetryPause > 0 {
		out.FailedLoginRetryPause = c.FailedLoginRetryPause
	}
	out.PubKeyAuth = out.PubKeyAuth || c.PubKeyAuth
	out.Simulation = out.Simulation || c.Simulation
	return out
}

func (c Config) normalized() Config {
	return c.Merge(DefaultConfig())
}
