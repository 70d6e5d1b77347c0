package model

import (
	"time"
)

// Task 一次批量执行（多台设备 × 同一组命令）
type Task struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Personality string    `json:"personality" gorm:"type:varchar(32)"`
	Commands    string    `json:"commands" gorm:"type:text;not null"` // JSON 数组
	Simulation  bool      `json:"simulation"`
	DeviceCount int       `json:"device_count"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Status      string    `json:"status" gorm:"type:varchar(16);not null;default:'pending';index"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Duration    int64     `json:"duration"` // 执行时长，毫秒
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`

	Runs []DeviceRun `json:"runs,omitempty" gorm:"foreignKey:TaskID"`
}

// TableName 表名
func (Task) TableName() string {
	return "tasks"
}

// 任务与设备执行状态
const (
	TaskStatusPending = "pending"
	TaskStatusRunning = "running"
	TaskStatusSuccess = "success"
	// TaskStatusPartial 部分设备失败
	TaskStatusPartial = "partial"
	TaskStatusFailed  = "failed"
)

// DeviceRun 单台设备的执行结果
type DeviceRun struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	TaskID      string    `json:"task_id" gorm:"type:varchar(64);not null;index"`
	Host        string    `json:"host" gorm:"type:varchar(128);not null"`
	Port        int       `json:"port"`
	Personality string    `json:"personality" gorm:"type:varchar(32)"`
	Status      string    `json:"status" gorm:"type:varchar(16);not null"`
	ErrorKind   string    `json:"error_kind,omitempty" gorm:"type:varchar(32)"`
	ErrorMsg    string    `json:"error_msg,omitempty" gorm:"type:text"`
	Output      string    `json:"output" gorm:"type:text"` // 各命令输出按分隔行拼接
	StoragePath string    `json:"storage_path,omitempty" gorm:"type:varchar(512)"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Duration    int64     `json:"duration"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 表名
func (DeviceRun) TableName() string {
	return "device_runs"
}

// TaskLog 任务日志
type TaskLog struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	TaskID    string    `json:"task_id" gorm:"type:varchar(64);not null;index"`
	Host      string    `json:"host,omitempty" gorm:"type:varchar(128)"`
	Level     string    `json:"level" gorm:"type:varchar(16);not null"`
	Message   string    `json:"message" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 表名
func (TaskLog) TableName() string {
	return "task_logs"
}
