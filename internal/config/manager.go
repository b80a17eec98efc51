package config

import (
	"fmt"
	"log"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChangeListener 配置热更新回调
type ChangeListener func(old, updated *AppConfig)

// ConfigManager 统一配置管理器
type ConfigManager struct {
	mu           sync.RWMutex
	config       *AppConfig
	viper        *viper.Viper
	configPath   string
	watchEnabled bool
	listeners    []ChangeListener
}

// ConfigManagerOption 配置管理器选项
type ConfigManagerOption func(*ConfigManager)

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.configPath = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ConfigManagerOption {
	return func(cm *ConfigManager) {
		cm.watchEnabled = enabled
	}
}

// NewConfigManager 创建配置管理器
func NewConfigManager(opts ...ConfigManagerOption) *ConfigManager {
	cm := &ConfigManager{}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// Load 加载配置，重复调用返回已加载的配置
func (cm *ConfigManager) Load() (*AppConfig, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.config != nil {
		return cm.config, nil
	}

	cfg, v, err := Load(cm.configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	cm.config = cfg
	cm.viper = v

	if cm.watchEnabled && v.ConfigFileUsed() != "" {
		cm.watch()
	}
	return cfg, nil
}

// Get 获取当前配置（未加载时自动加载）
func (cm *ConfigManager) Get() (*AppConfig, error) {
	cm.mu.RLock()
	if cm.config != nil {
		defer cm.mu.RUnlock()
		return cm.config, nil
	}
	cm.mu.RUnlock()

	return cm.Load()
}

// OnChange 注册热更新回调
func (cm *ConfigManager) OnChange(l ChangeListener) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.listeners = append(cm.listeners, l)
}

// Reload 重新读取配置文件，验证失败时保留旧配置
func (cm *ConfigManager) Reload() error {
	cm.mu.Lock()
	if cm.viper == nil {
		cm.mu.Unlock()
		return fmt.Errorf("配置尚未加载")
	}
	if err := cm.viper.ReadInConfig(); err != nil {
		cm.mu.Unlock()
		return fmt.Errorf("重新读取配置失败: %w", err)
	}
	updated, err := decode(cm.viper)
	if err != nil {
		cm.mu.Unlock()
		return fmt.Errorf("重新加载配置失败: %w", err)
	}
	old := cm.config
	cm.config = updated
	listeners := append([]ChangeListener(nil), cm.listeners...)
	cm.mu.Unlock()

	for _, l := range listeners {
		l(old, updated)
	}
	return nil
}

// watch 监控配置文件变化
func (cm *ConfigManager) watch() {
	cm.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if err := cm.Reload(); err != nil {
			log.Printf("Config reload from %s rejected: %v", e.Name, err)
			return
		}
		log.Printf("Config reloaded from %s", e.Name)
	})
	cm.viper.WatchConfig()
}
