package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/cling/internal/personality"
)

const iosPrompt = "router#"

func newTestSession(t *testing.T, cfg Config, spawner *fakeSpawner, rec *sleepRecorder, opts ...Option) *Session {
	t.Helper()
	if cfg.Hostname == "" {
		cfg.Hostname = "r1.example.net"
	}
	if cfg.Username == "" {
		cfg.Username = "admin"
	}
	if cfg.Password == "" {
		cfg.Password = "s3cret"
	}
	opts = append([]Option{WithSpawner(spawner), WithSleeper(rec.sleep)}, opts...)
	s, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	return s
}

func TestLoginRunsInitCommands(t *testing.T) {
	dev := loginDevice("s3cret", iosPrompt, nil)
	spawner := &fakeSpawner{devices: []*fakeDevice{dev}}
	rec := &sleepRecorder{}
	s := newTestSession(t, Config{Personality: "ios"}, spawner, rec)

	require.NoError(t, s.Login(context.Background()))
	assert.Equal(t, Ready, s.State())
	assert.Equal(t, []string{"s3cret", "terminal length 0"}, dev.sentLines())
	assert.Equal(t, 5, dev.window)
	assert.Empty(t, rec.calls)

	require.Len(t, spawner.requests, 1)
	req := spawner.requests[0]
	assert.Equal(t, "r1.example.net", req.Host)
	assert.Equal(t, "admin@r1.example.net", req.Argv[len(req.Argv)-1])
	assert.Equal(t, 64000, req.Options.MaxRead)
}

func TestRunCommandScrubsOutput(t *testing.T) {
	dev := loginDevice("s3cret", iosPrompt, map[string]string{
		"show clock": "*10:00:00.000 UTC Mon Mar 1 2021\r\n",
	})
	s := newTestSession(t, Config{Personality: "ios"}, &fakeSpawner{devices: []*fakeDevice{dev}}, &sleepRecorder{})
	require.NoError(t, s.Login(context.Background()))

	out, err := s.RunCommand(context.Background(), "show clock", false)
	require.NoError(t, err)
	assert.Equal(t, "*10:00:00.000 UTC Mon Mar 1 2021\r\n", out)
}

func TestJunosUnknownCommandIsCommandError(t *testing.T) {
	dev := loginDevice("s3cret", "user@mx> ", map[string]string{
		"show interfaces": "unknown command.\r\n",
	})
	s := newTestSession(t, Config{Personality: "junos"}, &fakeSpawner{devices: []*fakeDevice{dev}}, &sleepRecorder{})
	require.NoError(t, s.Login(context.Background()))
	assert.Len(t, dev.sentLines(), 4)

	_, err := s.RunCommand(context.Background(), "show interfaces", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommand))
	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Contains(t, serr.Evidence, "unknown command")
	assert.Equal(t, "r1.example.net", serr.Host)
	// 命令错误不影响会话状态
	assert.Equal(t, Ready, s.State())
}

func TestIgnoreErrSuppressesClassification(t *testing.T) {
	dev := loginDevice("s3cret", iosPrompt, map[string]string{
		"show bogus": "% Invalid input detected at '^' marker.\r\n",
	})
	s := newTestSession(t, Config{Personality: "ios"}, &fakeSpawner{devices: []*fakeDevice{dev}}, &sleepRecorder{})
	require.NoError(t, s.Login(context.Background()))

	out, err := s.RunCommand(context.Background(), "<ignore_err>show bogus", false)
	require.NoError(t, err)
	assert.Contains(t, out, "Invalid input")

	_, err = s.RunCommand(context.Background(), "show bogus", false)
	assert.ErrorIs(t, err, ErrCommand)
}

func TestRawSendDirectives(t *testing.T) {
	dev := loginDevice("s3cret", iosPrompt, nil)
	s := newTestSession(t, Config{Personality: "generic"}, &fakeSpawner{devices: []*fakeDevice{dev}}, &sleepRecorder{})
	require.NoError(t, s.Login(context.Background()))

	out, err := s.RunCommand(context.Background(), "<send>y", false)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, []string{"y"}, dev.raw)

	out, err = s.RunCommand(context.Background(), "<send_line>reload", false)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, "reload", dev.sentLines()[len(dev.sentLines())-1])
}

func TestSleepDirective(t *testing.T) {
	dev := loginDevice("s3cret", iosPrompt, nil)
	rec := &sleepRecorder{}
	s := newTestSession(t, Config{}, &fakeSpawner{devices: []*fakeDevice{dev}}, rec)
	require.NoError(t, s.Login(context.Background()))
	before := len(dev.sentLines())

	out, err := s.RunCommand(context.Background(), "<SLEEP 2>", false)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, []time.Duration{2 * time.Second}, rec.calls)
	assert.Len(t, dev.sentLines(), before)
}

func TestSleepDirectiveOverflowIsClamped(t *testing.T) {
	dev := loginDevice("s3cret", iosPrompt, nil)
	rec := &sleepRecorder{}
	s := newTestSession(t, Config{}, &fakeSpawner{devices: []*fakeDevice{dev}}, rec)
	require.NoError(t, s.Login(context.Background()))
	before := len(dev.sentLines())

	for _, cmd := range []string{"<sleep 9300000000>", "<sleep 99999999999999999999>"} {
		_, err := s.RunCommand(context.Background(), cmd, false)
		require.NoError(t, err)
	}
	want := time.Duration(MaxSleepSeconds) * time.Second
	assert.Equal(t, []time.Duration{want, want}, rec.calls)
	assert.Len(t, dev.sentLines(), before)
}

func TestSleepTagWithTrailingCommandIsPlain(t *testing.T) {
	dev := loginDevice("s3cret", iosPrompt, nil)
	rec := &sleepRecorder{}
	s := newTestSession(t, Config{}, &fakeSpawner{devices: []*fakeDevice{dev}}, rec)
	require.NoError(t, s.Login(context.Background()))

	_, err := s.RunCommand(context.Background(), "<sleep 1>show clock", false)
	require.NoError(t, err)
	assert.Empty(t, rec.calls)
	lines := dev.sentLines()
	assert.Equal(t, "<sleep 1>show clock", lines[len(lines)-1])
}

func TestSimulationMode(t *testing.T) {
	dev := loginDevice("s3cret", iosPrompt, map[string]string{"show clock": "10:00\r\n"})
	rec := &sleepRecorder{}
	s := newTestSession(t, Config{Personality: "ios", Simulation: true}, &fakeSpawner{devices: []*fakeDevice{dev}}, rec)
	require.NoError(t, s.Login(context.Background()))
	// 初始化命令同样被演练
	assert.Equal(t, []string{"s3cret"}, dev.sentLines())

	out, err := s.RunCommand(context.Background(), "configure terminal", false)
	require.NoError(t, err)
	assert.Empty(t, out)
	_, err = s.RunCommand(context.Background(), "<send>y", false)
	require.NoError(t, err)
	assert.Empty(t, dev.raw)

	_, err = s.RunCommand(context.Background(), "<sleep 2>", false)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second}, rec.calls)
	assert.Equal(t, []string{"s3cret"}, dev.sentLines())

	out, err = s.RunCommand(context.Background(), "<force_exec>show clock", false)
	require.NoError(t, err)
	assert.Equal(t, "10:00\r\n", out)

	out, err = s.RunCommand(context.Background(), "show clock", true)
	require.NoError(t, err)
	assert.Equal(t, "10:00\r\n", out)
}

func TestLoginRetriesAndReleasesProcess(t *testing.T) {
	silent := newFakeDevice("", nil)
	good := loginDevice("s3cret", iosPrompt, nil)
	spawner := &fakeSpawner{devices: []*fakeDevice{silent, good}}
	rec := &sleepRecorder{}
	s := newTestSession(t, Config{Personality: "ios"}, spawner, rec)

	require.NoError(t, s.Login(context.Background()))
	assert.True(t, silent.closed)
	assert.False(t, good.closed)
	assert.Len(t, spawner.requests, 2)
	assert.Equal(t, []time.Duration{3 * time.Second}, rec.calls)
}

func TestLoginExhaustsAttempts(t *testing.T) {
	spawner := &fakeSpawner{devices: []*fakeDevice{newFakeDevice("", nil), newFakeDevice("", nil), newFakeDevice("", nil)}}
	rec := &sleepRecorder{}
	s := newTestSession(t, Config{MaxLoginAttempts: 3, FailedLoginRetryPause: time.Second}, spawner, rec)

	err := s.Login(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, ErrTimeoutMatching)
	assert.Len(t, spawner.requests, 3)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, rec.calls)
	assert.Equal(t, Unauthenticated, s.State())
	for _, d := range spawner.devices {
		assert.True(t, d.closed)
	}
}

func TestWrongPasswordIsLoginFailed(t *testing.T) {
	spawner := &fakeSpawner{devices: []*fakeDevice{
		loginDevice("other", iosPrompt, nil),
		loginDevice("other", iosPrompt, nil),
	}}
	s := newTestSession(t, Config{}, spawner, &sleepRecorder{})

	err := s.Login(context.Background())
	assert.ErrorIs(t, err, ErrLoginFailed)
	assert.Equal(t, KindLoginFailed, KindOf(err))
}

func TestSpawnFailureIsConnectFailed(t *testing.T) {
	spawner := &fakeSpawner{err: errors.New("exec: no such file")}
	s := newTestSession(t, Config{MaxLoginAttempts: 1}, spawner, &sleepRecorder{})
	assert.ErrorIs(t, s.Login(context.Background()), ErrConnectFailed)
}

func TestPubKeyAuthSkipsPasswordPrompt(t *testing.T) {
	dev := newFakeDevice("Last login: Mon\r\n"+iosPrompt, echoDevice(iosPrompt, nil))
	spawner := &fakeSpawner{devices: []*fakeDevice{dev}}
	s := newTestSession(t, Config{Personality: "ios", PubKeyAuth: true, IdentityPath: "/keys/id_rsa"}, spawner, &sleepRecorder{})

	require.NoError(t, s.Login(context.Background()))
	assert.Equal(t, []string{"terminal length 0"}, dev.sentLines())
	assert.Equal(t, "/keys/id_rsa", spawner.requests[0].IdentityFile)
	assert.Contains(t, spawner.requests[0].Argv, "/keys/id_rsa")
}

func TestPreAuthenticatedSpawnerSkipsPasswordPrompt(t *testing.T) {
	dev := newFakeDevice(iosPrompt, echoDevice(iosPrompt, nil))
	spawner := &fakeSpawner{devices: []*fakeDevice{dev}}
	s, err := New(context.Background(), Config{Hostname: "r1", Personality: "ios"},
		WithSpawner(preAuthSpawner{spawner}), WithSleeper((&sleepRecorder{}).sleep))
	require.NoError(t, err)

	require.NoError(t, s.Login(context.Background()))
	assert.Equal(t, []string{"terminal length 0"}, dev.sentLines())
}

func TestTelnetLogin(t *testing.T) {
	authed := 0
	dev := newFakeDevice("\r\nUser Access Verification\r\n\r\nUsername: ", func(line string) string {
		switch authed {
		case 0:
			authed++
			return line + "\r\nPassword: "
		case 1:
			authed++
			return "\r\n" + iosPrompt
		}
		return line + "\r\n" + iosPrompt
	})
	spawner := &fakeSpawner{devices: []*fakeDevice{dev}}
	s := newTestSession(t, Config{Personality: "generic", Protocol: ProtocolTelnet, Port: 2323}, spawner, &sleepRecorder{})

	require.NoError(t, s.Login(context.Background()))
	assert.Equal(t, []string{"admin", "s3cret"}, dev.sentLines())
	assert.Equal(t, []string{"/usr/bin/telnet", "r1.example.net", "2323"}, spawner.requests[0].Argv)
}

func TestTimeoutClosesSession(t *testing.T) {
	dev := loginDevice("s3cret", iosPrompt, nil)
	s := newTestSession(t, Config{Personality: "ios"}, &fakeSpawner{devices: []*fakeDevice{dev}}, &sleepRecorder{})
	require.NoError(t, s.Login(context.Background()))

	dev.respond = func(line string) string { return line + "\r\nBuilding configuration..." }
	_, err := s.RunCommand(context.Background(), "show running-config", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeoutMatching)
	var serr *Error
	require.True(t, errors.As(err, &serr))
	assert.Contains(t, serr.Evidence, "Building configuration...")

	assert.Equal(t, Closed, s.State())
	assert.True(t, dev.closed)

	_, err = s.RunCommand(context.Background(), "show clock", false)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestEOFIsChildTerminated(t *testing.T) {
	dev := loginDevice("s3cret", iosPrompt, nil)
	s := newTestSession(t, Config{}, &fakeSpawner{devices: []*fakeDevice{dev}}, &sleepRecorder{})
	require.NoError(t, s.Login(context.Background()))

	dev.respond = func(line string) string { return line + "\r\nConnection closed by foreign host." }
	dev.eof = true
	_, err := s.RunCommand(context.Background(), "reload", false)
	assert.ErrorIs(t, err, ErrChildTerminated)
	assert.Equal(t, Closed, s.State())
}

func TestSendFailureClosesSession(t *testing.T) {
	for _, cmd := range []string{"<send>y", "<send_line>yes", "show clock"} {
		t.Run(cmd, func(t *testing.T) {
			dev := loginDevice("s3cret", iosPrompt, nil)
			s := newTestSession(t, Config{Personality: "ios"}, &fakeSpawner{devices: []*fakeDevice{dev}}, &sleepRecorder{})
			require.NoError(t, s.Login(context.Background()))

			require.NoError(t, dev.Close())
			_, err := s.RunCommand(context.Background(), cmd, false)
			assert.ErrorIs(t, err, ErrChildTerminated)
			assert.Equal(t, Closed, s.State())

			_, err = s.RunCommand(context.Background(), "show clock", false)
			assert.ErrorIs(t, err, ErrNotReady)
		})
	}
}

func TestRawCommandSendFailureClosesSession(t *testing.T) {
	dev := loginDevice("s3cret", iosPrompt, nil)
	s := newTestSession(t, Config{Personality: "ios"}, &fakeSpawner{devices: []*fakeDevice{dev}}, &sleepRecorder{})
	require.NoError(t, s.Login(context.Background()))

	require.NoError(t, dev.Close())
	_, err := s.RunCommandRaw(context.Background(), "show clock")
	assert.ErrorIs(t, err, ErrChildTerminated)
	assert.Equal(t, Closed, s.State())
}

func TestLogoutSendsExitCommands(t *testing.T) {
	dev := loginDevice("s3cret", "SSH@fastiron#", nil)
	s := newTestSession(t, Config{Personality: "ironware"}, &fakeSpawner{devices: []*fakeDevice{dev}}, &sleepRecorder{})
	require.NoError(t, s.Login(context.Background()))

	s.Logout()
	lines := dev.sentLines()
	assert.Equal(t, []string{"exit", "exit"}, lines[len(lines)-2:])
	assert.True(t, dev.closed)
	assert.Equal(t, Closed, s.State())

	// 重复退出或未登录时退出都不会出错
	s.Logout()
}

func TestLogoutIgnoresDeadProcess(t *testing.T) {
	dev := loginDevice("s3cret", iosPrompt, nil)
	s := newTestSession(t, Config{Personality: "ios"}, &fakeSpawner{devices: []*fakeDevice{dev}}, &sleepRecorder{})
	require.NoError(t, s.Login(context.Background()))
	_ = dev.Close()

	assert.NotPanics(t, s.Logout)
	assert.Equal(t, Closed, s.State())
}

func TestRunCommandRequiresLogin(t *testing.T) {
	s := newTestSession(t, Config{}, &fakeSpawner{}, &sleepRecorder{})
	_, err := s.RunCommand(context.Background(), "show clock", false)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestRunCommandsStopsAtFirstError(t *testing.T) {
	dev := loginDevice("s3cret", iosPrompt, map[string]string{
		"show version": "Cisco IOS Software\r\n",
		"show bogus":   "% Invalid input detected\r\n",
	})
	s := newTestSession(t, Config{Personality: "ios"}, &fakeSpawner{devices: []*fakeDevice{dev}}, &sleepRecorder{})
	require.NoError(t, s.Login(context.Background()))

	outs, err := s.RunCommands(context.Background(), []string{"show version", "show bogus", "show clock"})
	assert.ErrorIs(t, err, ErrCommand)
	assert.Equal(t, []string{"Cisco IOS Software\r\n"}, outs)
	assert.NotContains(t, dev.sentLines(), "show clock")
}

func TestTmosBackspaceArtifacts(t *testing.T) {
	dev := loginDevice("s3cret", "(tmos)# ", map[string]string{
		"show sys version": "Sys::Version\r\nMain Package\r\n",
	})
	dev.respond = func(orig func(string) string) func(string) string {
		return func(line string) string {
			out := orig(line)
			if line == "show sys version" {
				// F5 在回显中插入 "字符+退格"
				return "show sys x\bversion\r\n" + out[len(line)+2:]
			}
			return out
		}
	}(dev.respond)
	s := newTestSession(t, Config{Personality: "tmos"}, &fakeSpawner{devices: []*fakeDevice{dev}}, &sleepRecorder{})
	require.NoError(t, s.Login(context.Background()))

	out, err := s.RunCommand(context.Background(), "show sys version", false)
	require.NoError(t, err)
	assert.Equal(t, "Sys::Version\r\nMain Package\r\n", out)
}

func TestNewUnknownPersonality(t *testing.T) {
	_, err := New(context.Background(), Config{Hostname: "r1", Personality: "vyos"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownPersonality)
	assert.ErrorIs(t, err, personality.ErrNotFound)
}

type fixedFetcher struct {
	descr string
	err   error
}

func (f fixedFetcher) SysDescr(ctx context.Context, host string) (string, error) {
	return f.descr, f.err
}

func TestNewDiscoversPersonality(t *testing.T) {
	s, err := New(context.Background(), Config{Hostname: "r1", Personality: SNMPPersonality},
		WithFetcher(fixedFetcher{descr: "Cisco IOS XR Software (Cisco ASR9K Series)"}))
	require.NoError(t, err)
	assert.Equal(t, "iosxr", s.Personality().Name)
	assert.Equal(t, "iosxr", s.Classifier().Name())
}

func TestNewDiscoveryFailures(t *testing.T) {
	_, err := New(context.Background(), Config{Hostname: "r1", Personality: SNMPPersonality},
		WithFetcher(fixedFetcher{err: errors.New("request timeout")}))
	assert.ErrorIs(t, err, ErrDiscoveryFailed)

	_, err = New(context.Background(), Config{Hostname: "r1", Personality: SNMPPersonality},
		WithFetcher(fixedFetcher{descr: "Linux build01"}))
	assert.ErrorIs(t, err, ErrDiscoveryFailed)
	assert.ErrorIs(t, err, personality.ErrNoSignatureMatch)
}

func TestUnregisteredClassifierFallsBackToDefault(t *testing.T) {
	s, err := New(context.Background(), Config{Hostname: "ns1", Personality: "netscaler"})
	require.NoError(t, err)
	assert.Equal(t, "default", s.Classifier().Name())
}

func TestLineLoginAndLogout(t *testing.T) {
	step := 0
	dev := loginDevice("s3cret", "ts#", nil)
	s := newTestSession(t, Config{}, &fakeSpawner{devices: []*fakeDevice{dev}}, &sleepRecorder{})
	require.NoError(t, s.Login(context.Background()))

	dev.respond = func(line string) string {
		step++
		switch step {
		case 1:
			return line + "\r\nUsername: "
		case 2:
			return line + "\r\nPassword: "
		}
		return "\r\nswitch>"
	}
	require.NoError(t, s.LineLogin(context.Background(), "line 7"))
	assert.Equal(t, []string{"line 7", "admin", "s3cret", ""}, dev.sentLines()[1:])

	require.NoError(t, s.LineLogout())
	assert.Equal(t, []string{"\x1ex"}, dev.raw)
	lines := dev.sentLines()
	assert.Equal(t, []string{"disconnect", ""}, lines[len(lines)-2:])
}
