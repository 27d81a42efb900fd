package app

import (
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/wagatehq/wagate/internal/domain"
	"github.com/wagatehq/wagate/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const settingsCacheTTL = 30 * time.Second

// SettingsManager reads and writes sys_config rows with a short-lived
// read cache. Keys are addressed as "category.name".
type SettingsManager struct {
	db *gorm.DB

	mu       sync.RWMutex
	cache    map[string]string
	loadedAt time.Time
}

func NewSettingsManager(db *gorm.DB) *SettingsManager {
	return &SettingsManager{db: db, cache: map[string]string{}}
}

func (m *SettingsManager) get(category, name string) string {
	key := category + "." + name
	m.mu.RLock()
	fresh := time.Since(m.loadedAt) < settingsCacheTTL
	value, ok := m.cache[key]
	m.mu.RUnlock()
	if fresh && ok {
		return value
	}

	var rows []domain.SysConfig
	if err := m.db.Find(&rows).Error; err != nil {
		zap.L().Error("load sys_config failed", zap.Error(err))
		return value
	}
	cache := make(map[string]string, len(rows))
	for _, row := range rows {
		cache[row.Type+"."+row.Name] = row.Value
	}
	m.mu.Lock()
	m.cache = cache
	m.loadedAt = time.Now()
	m.mu.Unlock()
	return cache[key]
}

func (m *SettingsManager) GetString(category, name string) string {
	return m.get(category, name)
}

func (m *SettingsManager) GetInt64(category, name string) int64 {
	return cast.ToInt64(m.get(category, name))
}

func (m *SettingsManager) GetInt(category, name string) int {
	return cast.ToInt(m.get(category, name))
}

func (m *SettingsManager) GetBool(category, name string) bool {
	return cast.ToBool(m.get(category, name))
}

// Set upserts one sys_config row and invalidates the cache.
func (m *SettingsManager) Set(category, name string, value interface{}) error {
	strValue := cast.ToString(value)
	result := m.db.Model(&domain.SysConfig{}).
		Where("type = ? AND name = ?", category, name).
		Update("value", strValue)
	if result.Error != nil {
		return errors.Wrap(result.Error, "update sys_config")
	}
	if result.RowsAffected == 0 {
		err := m.db.Create(&domain.SysConfig{
			ID:    common.UUIDint64(),
			Type:  category,
			Name:  name,
			Value: strValue,
		}).Error
		if err != nil {
			return errors.Wrap(err, "insert sys_config")
		}
	}
	m.mu.Lock()
	m.loadedAt = time.Time{}
	m.mu.Unlock()
	return nil
}

// SetByKey accepts a "category.name" key.
func (m *SettingsManager) SetByKey(key string, value interface{}) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return errors.Errorf("invalid settings key %q", key)
	}
	return m.Set(parts[0], parts[1], value)
}
