package model

import "time"

// DeviceProfile SNMP 自动识别结果缓存
type DeviceProfile struct {
	Host        string    `json:"host" gorm:"primaryKey;type:varchar(128)"`
	Personality string    `json:"personality" gorm:"type:varchar(32);not null"`
	SysDescr    string    `json:"sys_descr" gorm:"type:text"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 表名
func (DeviceProfile) TableName() string {
	return "device_profiles"
}
