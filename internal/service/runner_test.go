package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/sshcollectorpro/cling/internal/config"
	"github.com/sshcollectorpro/cling/internal/database"
	"github.com/sshcollectorpro/cling/internal/model"
	"github.com/sshcollectorpro/cling/internal/personality"
	"github.com/sshcollectorpro/cling/internal/session"
)

type fakeSession struct {
	p        *personality.Personality
	loginErr error
	outputs  []string
	runErr   error

	mu        sync.Mutex
	commands  []string
	loggedOut bool
}

func (f *fakeSession) Login(ctx context.Context) error { return f.loginErr }

func (f *fakeSession) RunCommands(ctx context.Context, commands []string) ([]string, error) {
	f.mu.Lock()
	f.commands = append(f.commands, commands...)
	f.mu.Unlock()
	return f.outputs, f.runErr
}

func (f *fakeSession) Logout() {
	f.mu.Lock()
	f.loggedOut = true
	f.mu.Unlock()
}

func (f *fakeSession) Personality() *personality.Personality { return f.p }

// fakeFactory 按主机名返回预置会话，并记录每台设备的合并参数
type fakeFactory struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	newErr   map[string]error
	configs  map[string]session.Config
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		sessions: map[string]*fakeSession{},
		newErr:   map[string]error{},
		configs:  map[string]session.Config{},
	}
}

func (f *fakeFactory) create(ctx context.Context, cfg session.Config) (DeviceSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[cfg.Hostname] = cfg
	if err := f.newErr[cfg.Hostname]; err != nil {
		return nil, err
	}
	return f.sessions[cfg.Hostname], nil
}

type memStorage struct {
	mu      sync.Mutex
	written map[string]string
}

func (m *memStorage) Write(ctx context.Context, meta StorageMeta, content string) (StoredObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.written == nil {
		m.written = map[string]string{}
	}
	m.written[meta.Host] = content
	return StoredObject{URI: "mem://" + meta.TaskID + "/" + meta.Host}, nil
}

type staticFetcher struct {
	descr string
	err   error
}

func (f staticFetcher) SysDescr(ctx context.Context, host string) (string, error) {
	return f.descr, f.err
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Reactor.Workers = 2
	cfg.Backup.Divider = "------------------\n"
	cfg.Backup.StorageBackend = BackendLocal
	cfg.Session = session.Config{Username: "admin", Password: "secret", Timeout: 5 * time.Second}
	return cfg
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := database.Open(config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "cling.db")})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return conn
}

func mustPersonality(t *testing.T, name string) *personality.Personality {
	t.Helper()
	p, err := personality.Builtin().Lookup(name)
	require.NoError(t, err)
	return p
}

func startService(t *testing.T, opts ...Option) *RunService {
	t.Helper()
	svc := NewRunService(testConfig(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

func TestExecuteAllDevicesSucceed(t *testing.T) {
	ff := newFakeFactory()
	ios := mustPersonality(t, "ios")
	ff.sessions["r1"] = &fakeSession{p: ios, outputs: []string{"clock\n", "version"}}
	ff.sessions["r2"] = &fakeSession{p: ios, outputs: []string{"clock\n", "version"}}
	store := &memStorage{}
	db := openTestDB(t)
	svc := startService(t, WithSessionFactory(ff.create), WithDB(db), WithStorage(store))

	resp, err := svc.Execute(context.Background(), &BatchRequest{
		TaskID:      "task-1",
		Devices:     []DeviceTarget{{Host: "r1"}, {Host: "r2"}},
		Commands:    []string{"show clock", "show version"},
		Personality: "ios",
		Save:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, "task-1", resp.TaskID)
	assert.Equal(t, model.TaskStatusSuccess, resp.Status)
	assert.Equal(t, 2, resp.Succeeded)
	assert.Len(t, resp.Results, 2)

	for _, host := range []string{"r1", "r2"} {
		fs := ff.sessions[host]
		assert.True(t, fs.loggedOut)
		assert.Equal(t, []string{"show clock", "show version"}, fs.commands)
		assert.Equal(t, "clock\n------------------\nversion\n", store.written[host])
	}

	var task model.Task
	require.NoError(t, db.Preload("Runs").First(&task, "id = ?", "task-1").Error)
	assert.Equal(t, model.TaskStatusSuccess, task.Status)
	assert.Equal(t, `["show clock","show version"]`, task.Commands)
	require.Len(t, task.Runs, 2)
	assert.Equal(t, "mem://task-1/"+task.Runs[0].Host, task.Runs[0].StoragePath)

	var logs int64
	require.NoError(t, db.Model(&model.TaskLog{}).Where("task_id = ?", "task-1").Count(&logs).Error)
	assert.GreaterOrEqual(t, logs, int64(2))
}

func TestExecutePartialFailure(t *testing.T) {
	ff := newFakeFactory()
	eos := mustPersonality(t, "eos")
	ff.sessions["good"] = &fakeSession{p: eos, outputs: []string{"ok"}}
	ff.sessions["bad"] = &fakeSession{p: eos, loginErr: &session.Error{Kind: session.KindLoginFailed, Host: "bad", Detail: "no cli prompt"}}
	svc := startService(t, WithSessionFactory(ff.create), WithDB(nil))

	resp, err := svc.Execute(context.Background(), &BatchRequest{
		Devices:  []DeviceTarget{{Host: "good"}, {Host: "bad"}},
		Commands: []string{"show version"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, model.TaskStatusPartial, resp.Status)
	assert.Equal(t, 1, resp.Succeeded)
	assert.Equal(t, 1, resp.Failed)

	byHost := map[string]*DeviceResult{}
	for _, r := range resp.Results {
		byHost[r.Host] = r
	}
	assert.Equal(t, model.TaskStatusFailed, byHost["bad"].Status)
	assert.Equal(t, "login failed", byHost["bad"].ErrorKind)
	assert.False(t, ff.sessions["bad"].loggedOut)
	assert.Equal(t, []string{"ok"}, byHost["good"].Outputs)
}

func TestExecuteCommandErrorKeepsEarlierOutputs(t *testing.T) {
	ff := newFakeFactory()
	ff.sessions["r1"] = &fakeSession{
		p:       mustPersonality(t, "ios"),
		outputs: []string{"first"},
		runErr:  &session.Error{Kind: session.KindCommandError, Host: "r1", Detail: "show bogus"},
	}
	svc := startService(t, WithSessionFactory(ff.create), WithDB(nil))

	resp, err := svc.Execute(context.Background(), &BatchRequest{
		Devices:  []DeviceTarget{{Host: "r1"}},
		Commands: []string{"show clock", "show bogus", "show version"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, resp.Status)
	r := resp.Results[0]
	assert.Equal(t, "command error", r.ErrorKind)
	assert.Equal(t, []string{"first"}, r.Outputs)
	assert.True(t, ff.sessions["r1"].loggedOut)
}

func TestExecuteUnknownPersonality(t *testing.T) {
	svc := startService(t, WithDB(nil))
	resp, err := svc.Execute(context.Background(), &BatchRequest{
		Devices:     []DeviceTarget{{Host: "r1"}},
		Personality: "bogus",
	})
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, resp.Status)
	assert.Equal(t, "unknown personality", resp.Results[0].ErrorKind)
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	svc := NewRunService(testConfig(), WithDB(nil))
	_, err := svc.Execute(context.Background(), &BatchRequest{Devices: []DeviceTarget{{Host: "r1"}}})
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()
	_, err = svc.Execute(context.Background(), &BatchRequest{})
	assert.ErrorIs(t, err, ErrNoDevices)
}

func TestSessionConfigPrecedence(t *testing.T) {
	svc := NewRunService(testConfig(), WithDB(nil))
	cfg := svc.sessionConfig(&BatchRequest{
		Personality: "junos",
		Username:    "ops",
		Timeout:     30,
		Simulation:  true,
	}, DeviceTarget{Host: " r1 ", Username: "root", Port: 2222})

	assert.Equal(t, "r1", cfg.Hostname)
	assert.Equal(t, "junos", cfg.Personality)
	assert.Equal(t, "root", cfg.Username)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, 2222, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.True(t, cfg.Simulation)
	assert.Equal(t, 2, cfg.MaxLoginAttempts)
}

func TestDiscoverCachesProfile(t *testing.T) {
	db := openTestDB(t)
	svc := NewRunService(testConfig(), WithDB(db), WithFetcher(staticFetcher{descr: "Cisco IOS Software, C2960 Software"}))

	profile, err := svc.Discover(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "ios", profile.Personality)

	var stored model.DeviceProfile
	require.NoError(t, db.First(&stored, "host = ?", "10.0.0.1").Error)
	assert.Equal(t, "ios", stored.Personality)
	assert.Contains(t, stored.SysDescr, "C2960")

	cfg := svc.sessionConfig(&BatchRequest{Personality: session.SNMPPersonality}, DeviceTarget{Host: "10.0.0.1"})
	assert.Equal(t, "ios", cfg.Personality)
	cfg = svc.sessionConfig(&BatchRequest{Personality: session.SNMPPersonality}, DeviceTarget{Host: "10.0.0.2"})
	assert.Equal(t, session.SNMPPersonality, cfg.Personality)
}

func TestDiscoverFailure(t *testing.T) {
	svc := NewRunService(testConfig(), WithDB(nil), WithFetcher(staticFetcher{descr: "Linux build01"}))
	_, err := svc.Discover(context.Background(), "10.0.0.9")
	assert.ErrorIs(t, err, session.ErrDiscoveryFailed)
	assert.ErrorIs(t, err, personality.ErrNoSignatureMatch)
}

func TestGetTaskFromMemoryThenDatabase(t *testing.T) {
	ff := newFakeFactory()
	ff.sessions["r1"] = &fakeSession{p: mustPersonality(t, "ios"), outputs: []string{"x"}}
	db := openTestDB(t)
	svc := startService(t, WithSessionFactory(ff.create), WithDB(db))

	_, err := svc.Execute(context.Background(), &BatchRequest{TaskID: "t-mem", Devices: []DeviceTarget{{Host: "r1"}}, Commands: []string{"a"}})
	require.NoError(t, err)

	task, err := svc.GetTask("t-mem")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSuccess, task.Status)
	assert.Equal(t, 1, task.Succeeded)
	require.Len(t, task.Runs, 1)

	svc.cleanupExpiredTasks(0)
	task, err = svc.GetTask("t-mem")
	require.NoError(t, err)
	require.Len(t, task.Runs, 1)
	assert.Equal(t, "x\n", task.Runs[0].Output)

	_, err = svc.GetTask("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.ErrorIs(t, svc.CancelTask("missing"), ErrTaskNotFound)

	stats := svc.GetStats()
	assert.Equal(t, int64(1), stats["tasks_total"])
	assert.Equal(t, int64(0), stats["devices_failed"])
}

func TestBatchStatus(t *testing.T) {
	assert.Equal(t, model.TaskStatusSuccess, batchStatus(3, 0))
	assert.Equal(t, model.TaskStatusPartial, batchStatus(2, 1))
	assert.Equal(t, model.TaskStatusFailed, batchStatus(0, 3))
}

func TestFactoryErrorIsReported(t *testing.T) {
	ff := newFakeFactory()
	ff.newErr["r1"] = errors.New("boom")
	svc := startService(t, WithSessionFactory(ff.create), WithDB(nil))
	resp, err := svc.Execute(context.Background(), &BatchRequest{Devices: []DeviceTarget{{Host: "r1"}}})
	require.NoError(t, err)
	assert.Equal(t, "boom", resp.Results[0].Error)
	assert.Empty(t, resp.Results[0].ErrorKind)
}

func TestSubmitRegistersTaskBeforeRun(t *testing.T) {
	ff := newFakeFactory()
	ff.sessions["r1"] = &fakeSession{p: mustPersonality(t, "ios"), outputs: []string{"x"}}
	svc := startService(t, WithSessionFactory(ff.create), WithDB(nil))

	req := &BatchRequest{Devices: []DeviceTarget{{Host: "r1"}}, Commands: []string{"a"}}
	run, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, req.TaskID)

	task, err := svc.GetTask(req.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusRunning, task.Status)

	resp := run()
	assert.Equal(t, req.TaskID, resp.TaskID)
	assert.Equal(t, model.TaskStatusSuccess, resp.Status)
	task, err = svc.GetTask(req.TaskID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSuccess, task.Status)
}

func TestSubmitRequiresRunningService(t *testing.T) {
	svc := NewRunService(testConfig(), WithDB(nil))
	_, err := svc.Submit(context.Background(), &BatchRequest{Devices: []DeviceTarget{{Host: "r1"}}})
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, svc.Health(), ErrNotRunning)
}

func TestHealthChecksDatabase(t *testing.T) {
	db := openTestDB(t)
	svc := startService(t, WithDB(db))
	assert.NoError(t, svc.Health())

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
	assert.Error(t, svc.Health())
}
