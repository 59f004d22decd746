package session

import (
	"sync"

	"cdpplug/internal/logger"
	"cdpplug/pkg/model"
	"cdpplug/pkg/plugin"
)

// Manager 插件会话注册表
type Manager struct {
	mu       sync.RWMutex
	sessions map[model.SessionID]*plugin.Session
	log      logger.Logger
}

// NewManager 创建会话管理器
func NewManager(l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		sessions: make(map[model.SessionID]*plugin.Session),
		log:      l,
	}
}

// Create 创建并注册新会话
func (m *Manager) Create() *plugin.Session {
	s := plugin.NewSession(m.log)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID()] = s
	m.log.Info("创建插件会话", "sessionID", string(s.ID()))
	return s
}

// Get 获取会话
func (m *Manager) Get(id model.SessionID) (*plugin.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete 移除会话，返回被移除的会话
func (m *Manager) Delete(id model.SessionID) (*plugin.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	delete(m.sessions, id)
	m.log.Info("销毁插件会话", "sessionID", string(id))
	return s, true
}

// List 返回所有会话
func (m *Manager) List() []*plugin.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*plugin.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	return list
}
