package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sshcollectorpro/cling/internal/config"
	"github.com/sshcollectorpro/cling/internal/database"
	"github.com/sshcollectorpro/cling/internal/discovery"
	"github.com/sshcollectorpro/cling/internal/model"
	"github.com/sshcollectorpro/cling/internal/personality"
	"github.com/sshcollectorpro/cling/internal/reactor"
	"github.com/sshcollectorpro/cling/internal/session"
	"github.com/sshcollectorpro/cling/pkg/expect"
	"github.com/sshcollectorpro/cling/pkg/logger"
)

var (
	ErrNotRunning   = errors.New("run service is not running")
	ErrNoDevices    = errors.New("no devices in request")
	ErrTaskNotFound = errors.New("task not found")
)

// DeviceSession 服务层使用的会话能力，*session.Session 满足该接口
type DeviceSession interface {
	Login(ctx context.Context) error
	RunCommands(ctx context.Context, commands []string) ([]string, error)
	Logout()
	Personality() *personality.Personality
}

// SessionFactory 按合并后的参数创建会话
type SessionFactory func(ctx context.Context, cfg session.Config) (DeviceSession, error)

// DeviceTarget 单台设备；空字段取请求级或配置默认值
type DeviceTarget struct {
	Host        string `json:"host" binding:"required"`
	Port        int    `json:"port,omitempty"`
	Personality string `json:"personality,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
}

// BatchRequest 批量执行请求：多台设备执行同一组命令
type BatchRequest struct {
	TaskID      string         `json:"task_id,omitempty"`
	Devices     []DeviceTarget `json:"devices" binding:"required,min=1,dive"`
	Commands    []string       `json:"commands"`
	Personality string         `json:"personality,omitempty"`
	Username    string         `json:"username,omitempty"`
	Password    string         `json:"password,omitempty"`
	Protocol    string         `json:"protocol,omitempty"`
	Port        int            `json:"port,omitempty"`
	// Timeout 单次匹配等待秒数
	Timeout    int  `json:"timeout,omitempty"`
	Simulation bool `json:"simulation,omitempty"`
	Workers    int  `json:"workers,omitempty"`
	// Save 将每台设备的聚合输出写入存储
	Save bool `json:"save,omitempty"`
}

// DeviceResult 单台设备的执行结果
type DeviceResult struct {
	Host        string    `json:"host"`
	Port        int       `json:"port,omitempty"`
	Personality string    `json:"personality"`
	Status      string    `json:"status"`
	Outputs     []string  `json:"outputs"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	StoragePath string    `json:"storage_path,omitempty"`
	StartTime   time.Time `json:"start_time"`
	DurationMS  int64     `json:"duration_ms"`
}

// BatchResponse 批量执行响应
type BatchResponse struct {
	TaskID     string          `json:"task_id"`
	Status     string          `json:"status"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	Results    []*DeviceResult `json:"results"`
	DurationMS int64           `json:"duration_ms"`
	Timestamp  time.Time       `json:"timestamp"`
}

// TaskContext 运行中或最近完成的任务
type TaskContext struct {
	Task      *model.Task
	Cancel    context.CancelFunc
	StartTime time.Time
	Status    string
}

// Option RunService 构造选项
type Option func(*RunService)

// WithSessionFactory 替换会话创建方式（测试中注入脚本化会话）
func WithSessionFactory(f SessionFactory) Option {
	return func(s *RunService) { s.factory = f }
}

// WithDB 指定持久化使用的数据库，默认全局实例；nil 表示不持久化
func WithDB(db *gorm.DB) Option {
	return func(s *RunService) { s.db = db; s.dbSet = true }
}

// WithStorage 替换输出存储
func WithStorage(w StorageWriter) Option {
	return func(s *RunService) { s.storage = w }
}

// WithFetcher 替换 Discover 使用的 sysDescr 来源
func WithFetcher(f discovery.SysDescrFetcher) Option {
	return func(s *RunService) { s.fetcher = f }
}

// RunService 批量会话执行服务
type RunService struct {
	config  *config.Config
	table   *personality.Table
	factory SessionFactory
	fetcher discovery.SysDescrFetcher
	storage StorageWriter
	db      *gorm.DB
	dbSet   bool

	mutex   sync.RWMutex
	running bool
	tasks   map[string]*TaskContext

	devicesTotal  atomic.Int64
	devicesFailed atomic.Int64
	tasksTotal    atomic.Int64
}

// NewRunService 创建执行服务；personalities.file 加载失败时退回内置平台表
func NewRunService(cfg *config.Config, opts ...Option) *RunService {
	s := &RunService{
		config: cfg,
		tasks:  make(map[string]*TaskContext),
	}
	s.table = loadTable(cfg.Personalities.File)
	for _, opt := range opts {
		opt(s)
	}
	if !s.dbSet {
		s.db = database.GetDB()
	}
	if s.factory == nil {
		s.factory = s.newSession
	}
	if s.storage == nil {
		s.storage = NewStorageWriter(cfg)
	}
	if s.fetcher == nil {
		d := cfg.SessionDefaults()
		s.fetcher = &discovery.SNMPFetcher{
			Community: d.SNMPCommunity,
			Version:   d.SNMPVersion,
			Timeout:   d.Timeout,
		}
	}
	return s
}

func loadTable(path string) *personality.Table {
	if strings.TrimSpace(path) == "" {
		return personality.Builtin()
	}
	defs, err := personality.LoadDefinitions(path)
	if err != nil {
		logger.Warnf("load personalities from %s: %v; using builtin table", path, err)
		return personality.Builtin()
	}
	table, err := personality.BuiltinWith(defs)
	if err != nil {
		logger.Warnf("invalid personalities in %s: %v; using builtin table", path, err)
		return personality.Builtin()
	}
	logger.Infof("loaded %d custom personalities from %s", len(defs), path)
	return table
}

// Table 当前使用的平台表
func (s *RunService) Table() *personality.Table {
	return s.table
}

// spawnerFor native 模式只用于 ssh，telnet 始终走外部客户端
func (s *RunService) spawnerFor(protocol string) expect.Spawner {
	if strings.EqualFold(s.config.Transport.Mode, "native") && protocol != session.ProtocolTelnet {
		return &expect.SSHSpawner{Nudge: s.config.Transport.Nudge}
	}
	return &expect.PTYSpawner{}
}

func (s *RunService) newSession(ctx context.Context, cfg session.Config) (DeviceSession, error) {
	sess, err := session.New(ctx, cfg,
		session.WithTable(s.table),
		session.WithSpawner(s.spawnerFor(cfg.Protocol)),
		session.WithFetcher(s.fetcher),
	)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Start 启动服务
func (s *RunService) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return fmt.Errorf("run service is already running")
	}
	s.running = true
	logger.Infof("Run service started with %d workers", s.config.Reactor.Workers)

	go s.cleanupTasks(ctx)
	return nil
}

// Stop 停止服务并取消所有运行中的任务
func (s *RunService) Stop() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	for _, taskCtx := range s.tasks {
		if taskCtx.Cancel != nil {
			taskCtx.Cancel()
		}
	}
	logger.Infof("Run service stopped")
	return nil
}

// Health 服务运行中且（启用持久化时）数据库可用
func (s *RunService) Health() error {
	if !s.isRunning() {
		return ErrNotRunning
	}
	if s.db != nil {
		if err := database.Ping(s.db); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	return nil
}

func (s *RunService) isRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

// sessionConfig 合并顺序：配置默认值 < 请求级字段 < 设备级字段
func (s *RunService) sessionConfig(req *BatchRequest, dev DeviceTarget) session.Config {
	reqLevel := session.Config{
		Personality: req.Personality,
		Username:    req.Username,
		Password:    req.Password,
		Protocol:    strings.ToLower(strings.TrimSpace(req.Protocol)),
		Port:        req.Port,
		Simulation:  req.Simulation,
	}
	if req.Timeout > 0 {
		reqLevel.Timeout = time.Duration(req.Timeout) * time.Second
	}
	devLevel := session.Config{
		Hostname:    strings.TrimSpace(dev.Host),
		Personality: dev.Personality,
		Username:    dev.Username,
		Password:    dev.Password,
		Port:        dev.Port,
	}
	cfg := devLevel.Merge(reqLevel.Merge(s.config.SessionDefaults()))
	if cfg.Personality == session.SNMPPersonality {
		if name := s.cachedPersonality(cfg.Hostname); name != "" {
			cfg.Personality = name
		}
	}
	return cfg
}

// Execute 在 reactor 上并发执行：每台设备登录、执行命令、退出。
// 单台设备失败不影响其他设备，也不使 Execute 返回错误。
func (s *RunService) Execute(ctx context.Context, req *BatchRequest) (*BatchResponse, error) {
	run, err := s.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return run(), nil
}

// Submit 校验请求并登记任务（此后 GetTask 可查到），返回的 run 执行全部设备。
// 任务上下文派生自 ctx，异步调用方应传入不随请求结束的上下文。
func (s *RunService) Submit(ctx context.Context, req *BatchRequest) (run func() *BatchResponse, err error) {
	if !s.isRunning() {
		return nil, ErrNotRunning
	}
	if len(req.Devices) == 0 {
		return nil, ErrNoDevices
	}
	taskID := strings.TrimSpace(req.TaskID)
	if taskID == "" {
		taskID = uuid.NewString()
	}
	req.TaskID = taskID
	workers := req.Workers
	if workers <= 0 {
		workers = s.config.Reactor.Workers
	}

	startTime := time.Now()
	cmdJSON, _ := json.Marshal(req.Commands)
	task := &model.Task{
		ID:          taskID,
		Personality: req.Personality,
		Commands:    string(cmdJSON),
		Simulation:  req.Simulation,
		DeviceCount: len(req.Devices),
		Status:      model.TaskStatusRunning,
		StartTime:   startTime,
	}
	s.saveTask(task)

	taskCtx, cancel := context.WithCancel(ctx)
	s.addTaskContext(taskID, &TaskContext{
		Task:      task,
		Cancel:    cancel,
		StartTime: startTime,
		Status:    model.TaskStatusRunning,
	})
	s.tasksTotal.Add(1)

	return func() *BatchResponse {
		defer cancel()
		return s.runTask(taskCtx, task, req, workers)
	}, nil
}

func (s *RunService) runTask(taskCtx context.Context, task *model.Task, req *BatchRequest, workers int) *BatchResponse {
	taskID, startTime := task.ID, task.StartTime
	s.logTask(taskID, "", "INFO", fmt.Sprintf("Starting %d device(s) with %d worker(s), %d command(s)", len(req.Devices), workers, len(req.Commands)))

	r := reactor.New(req.Devices, func(dev DeviceTarget) *DeviceResult {
		res := s.runDevice(taskCtx, taskID, req, dev)
		s.recordProgress(taskID, res)
		return res
	}, workers)
	results := r.Run()

	resp := &BatchResponse{
		TaskID:    taskID,
		Results:   results,
		Timestamp: startTime,
	}
	runs := make([]model.DeviceRun, 0, len(results))
	for _, res := range results {
		if res.Status == model.TaskStatusSuccess {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
		runs = append(runs, model.DeviceRun{
			ID:          uuid.NewString(),
			TaskID:      taskID,
			Host:        res.Host,
			Port:        res.Port,
			Personality: res.Personality,
			Status:      res.Status,
			ErrorKind:   res.ErrorKind,
			ErrorMsg:    res.Error,
			Output:      s.aggregate(res.Outputs),
			StoragePath: res.StoragePath,
			StartTime:   res.StartTime,
			EndTime:     res.StartTime.Add(time.Duration(res.DurationMS) * time.Millisecond),
			Duration:    res.DurationMS,
		})
	}
	resp.Status = batchStatus(resp.Succeeded, resp.Failed)
	resp.DurationMS = time.Since(startTime).Milliseconds()

	s.mutex.Lock()
	task.Succeeded = resp.Succeeded
	task.Failed = resp.Failed
	task.Status = resp.Status
	task.EndTime = time.Now()
	task.Duration = resp.DurationMS
	task.Runs = runs
	if tc, ok := s.tasks[taskID]; ok {
		tc.Status = resp.Status
		tc.Cancel = nil
	}
	s.mutex.Unlock()

	s.saveRuns(task)
	s.logTask(taskID, "", "INFO", fmt.Sprintf("Finished: %s, %d succeeded, %d failed in %dms", resp.Status, resp.Succeeded, resp.Failed, resp.DurationMS))
	return resp
}

func batchStatus(succeeded, failed int) string {
	switch {
	case failed == 0:
		return model.TaskStatusSuccess
	case succeeded == 0:
		return model.TaskStatusFailed
	default:
		return model.TaskStatusPartial
	}
}

// aggregate 各命令输出之间以分隔行连接
func (s *RunService) aggregate(outputs []string) string {
	divider := s.config.Backup.Divider
	var sb strings.Builder
	for i, out := range outputs {
		if i > 0 {
			sb.WriteString(divider)
		}
		sb.WriteString(out)
		if out != "" && !strings.HasSuffix(out, "\n") {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// runDevice 单台设备：创建会话 → 登录 → 执行 → 退出
func (s *RunService) runDevice(ctx context.Context, taskID string, req *BatchRequest, dev DeviceTarget) *DeviceResult {
	cfg := s.sessionConfig(req, dev)
	res := &DeviceResult{
		Host:        cfg.Hostname,
		Port:        cfg.Port,
		Personality: cfg.Personality,
		StartTime:   time.Now(),
		Outputs:     []string{},
	}
	s.devicesTotal.Add(1)
	defer func() {
		res.DurationMS = time.Since(res.StartTime).Milliseconds()
		if res.Status != model.TaskStatusSuccess {
			s.devicesFailed.Add(1)
		}
	}()

	fail := func(err error) *DeviceResult {
		res.Status = model.TaskStatusFailed
		res.Error = err.Error()
		if k := session.KindOf(err); k != 0 {
			res.ErrorKind = k.String()
		}
		s.logTask(taskID, res.Host, "ERROR", res.Error)
		return res
	}

	sess, err := s.factory(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	if p := sess.Personality(); p != nil {
		if cfg.Personality == session.SNMPPersonality {
			s.rememberPersonality(res.Host, p.Name, "")
		}
		res.Personality = p.Name
	}

	if err := sess.Login(ctx); err != nil {
		return fail(err)
	}
	outputs, runErr := sess.RunCommands(ctx, req.Commands)
	sess.Logout()
	res.Outputs = outputs
	if runErr != nil {
		fail(runErr)
	} else {
		res.Status = model.TaskStatusSuccess
	}

	if req.Save && len(outputs) > 0 {
		obj, err := s.storage.Write(ctx, StorageMeta{
			TaskID:      taskID,
			Host:        res.Host,
			Personality: res.Personality,
			StartedAt:   res.StartTime,
			Backend:     s.config.Backup.StorageBackend,
		}, s.aggregate(outputs))
		if obj.URI != "" {
			res.StoragePath = obj.URI
		}
		if err != nil {
			s.logTask(taskID, res.Host, "WARN", fmt.Sprintf("save output: %v", err))
		}
	}
	return res
}

func (s *RunService) recordProgress(taskID string, res *DeviceResult) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	tc, ok := s.tasks[taskID]
	if !ok {
		return
	}
	if res.Status == model.TaskStatusSuccess {
		tc.Task.Succeeded++
	} else {
		tc.Task.Failed++
	}
}

// Discover 通过 SNMP 识别设备平台并记录结果
func (s *RunService) Discover(ctx context.Context, host string) (*model.DeviceProfile, error) {
	p, descr, err := discovery.Discover(ctx, s.fetcher, s.table, host)
	if err != nil {
		return nil, &session.Error{Kind: session.KindDiscoveryFailed, Host: host, Evidence: descr, Err: err}
	}
	profile := s.rememberPersonality(host, p.Name, descr)
	return profile, nil
}

func (s *RunService) rememberPersonality(host, name, descr string) *model.DeviceProfile {
	profile := &model.DeviceProfile{Host: host, Personality: name, SysDescr: descr}
	if s.db == nil {
		return profile
	}
	err := database.WithRetry(s.db, func(tx *gorm.DB) error {
		cols := []string{"personality", "updated_at"}
		if descr != "" {
			cols = append(cols, "sys_descr")
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "host"}},
			DoUpdates: clause.AssignmentColumns(cols),
		}).Create(profile).Error
	}, 3, 200*time.Millisecond)
	if err != nil {
		logger.ForHost(host).Warnf("save device profile: %v", err)
	}
	return profile
}

// cachedPersonality 之前识别过的平台，避免重复 SNMP 查询
func (s *RunService) cachedPersonality(host string) string {
	if s.db == nil {
		return ""
	}
	var profile model.DeviceProfile
	if err := s.db.Where("host = ?", host).Limit(1).Find(&profile).Error; err != nil {
		return ""
	}
	if _, err := s.table.Lookup(profile.Personality); err != nil {
		return ""
	}
	return profile.Personality
}

// GetTask 优先返回内存中的任务（含实时进度），其次查询数据库
func (s *RunService) GetTask(taskID string) (*model.Task, error) {
	s.mutex.RLock()
	if tc, ok := s.tasks[taskID]; ok {
		cp := *tc.Task
		cp.Runs = append([]model.DeviceRun(nil), tc.Task.Runs...)
		s.mutex.RUnlock()
		return &cp, nil
	}
	s.mutex.RUnlock()

	if s.db == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	var task model.Task
	err := s.db.Preload("Runs").Where("id = ?", taskID).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// CancelTask 取消运行中的任务；已在执行的命令会在下一次等待时感知
func (s *RunService) CancelTask(taskID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if tc, ok := s.tasks[taskID]; ok && tc.Cancel != nil {
		tc.Cancel()
		tc.Status = "cancelled"
		return nil
	}
	return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

// GetStats 服务统计信息
func (s *RunService) GetStats() map[string]interface{} {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	active := 0
	for _, tc := range s.tasks {
		if tc.Status == model.TaskStatusRunning {
			active++
		}
	}
	return map[string]interface{}{
		"running":        s.running,
		"active_tasks":   active,
		"tracked_tasks":  len(s.tasks),
		"workers":        s.config.Reactor.Workers,
		"tasks_total":    s.tasksTotal.Load(),
		"devices_total":  s.devicesTotal.Load(),
		"devices_failed": s.devicesFailed.Load(),
		"transport_mode": s.config.Transport.Mode,
	}
}

func (s *RunService) addTaskContext(taskID string, taskCtx *TaskContext) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.tasks[taskID] = taskCtx
}

// cleanupTasks 定期清理已完成超过 1 小时的任务
func (s *RunService) cleanupTasks(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupExpiredTasks(time.Hour)
		}
	}
}

func (s *RunService) cleanupExpiredTasks(maxAge time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	for taskID, tc := range s.tasks {
		if tc.Status != model.TaskStatusRunning && now.Sub(tc.StartTime) > maxAge {
			delete(s.tasks, taskID)
		}
	}
}

// saveTask 主键已存在时更新，避免重复任务 ID 导致插入失败
func (s *RunService) saveTask(task *model.Task) {
	if s.db == nil {
		return
	}
	err := database.WithRetry(s.db, func(tx *gorm.DB) error {
		return tx.Omit("Runs").Clauses(clause.OnConflict{UpdateAll: true}).Create(task).Error
	}, 3, 200*time.Millisecond)
	if err != nil {
		logger.WithField("task_id", task.ID).Errorf("Failed to save task: %v", err)
	}
}

// saveRuns 写入设备结果并更新任务汇总
func (s *RunService) saveRuns(task *model.Task) {
	if s.db == nil {
		return
	}
	err := database.WithRetry(s.db, func(tx *gorm.DB) error {
		return tx.Transaction(func(tx *gorm.DB) error {
			if len(task.Runs) > 0 {
				if err := tx.Create(&task.Runs).Error; err != nil {
					return err
				}
			}
			return tx.Omit("Runs").Save(task).Error
		})
	}, 3, 200*time.Millisecond)
	if err != nil {
		logger.WithField("task_id", task.ID).Errorf("Failed to update task: %v", err)
	}
}

// logTask 同时写日志与 task_logs 表
func (s *RunService) logTask(taskID, host, level, message string) {
	entry := logger.WithField("task_id", taskID)
	if host != "" {
		entry = entry.WithField("host", host)
	}
	switch level {
	case "ERROR":
		entry.Error(message)
	case "WARN":
		entry.Warn(message)
	default:
		entry.Info(message)
	}
	if s.db == nil {
		return
	}
	taskLog := &model.TaskLog{
		ID:      uuid.NewString(),
		TaskID:  taskID,
		Host:    host,
		Level:   level,
		Message: message,
	}
	if err := database.WithRetry(s.db, func(tx *gorm.DB) error {
		return tx.Create(taskLog).Error
	}, 3, 200*time.Millisecond); err != nil {
		entry.Errorf("Failed to save task log: %v", err)
	}
}
