package memory

import (
	"context"
	"sync"

	"github.com/EthanQC/presence/internal/domain/entity"
	"github.com/EthanQC/presence/internal/ports/out"
)

// PresenceRepository 进程内的在线状态仓储，单进程开发模式和测试用
type PresenceRepository struct {
	mu       sync.RWMutex
	statuses map[string]entity.UserPresence
	conns    map[string]int64
}

func NewPresenceRepository() *PresenceRepository {
	return &PresenceRepository{
		statuses: make(map[string]entity.UserPresence),
		conns:    make(map[string]int64),
	}
}

var _ out.PresenceRepository = (*PresenceRepository)(nil)

func (r *PresenceRepository) SetStatus(ctx context.Context, userID string, online bool, lastSeen int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.statuses[userID] = entity.UserPresence{Online: online, LastSeen: lastSeen}
	r.mu.Unlock()
	return nil
}

func (r *PresenceRepository) GetStatus(ctx context.Context, userID string) (*entity.UserPresence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.statuses[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *PresenceRepository) GetStatuses(ctx context.Context, userIDs []string) (map[string]*entity.UserPresence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[string]*entity.UserPresence, len(userIDs))
	for _, id := range userIDs {
		if p, ok := r.statuses[id]; ok {
			p := p
			result[id] = &p
		}
	}
	return result, nil
}

func (r *PresenceRepository) GetAllStatuses(ctx context.Context) (map[string]*entity.UserPresence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[string]*entity.UserPresence, len(r.statuses))
	for id, p := range r.statuses {
		p := p
		result[id] = &p
	}
	return result, nil
}

func (r *PresenceRepository) AddConnection(ctx context.Context, userID string) (int64, error) {
	return r.addConnection(ctx, userID, 1)
}

func (r *PresenceRepository) RemoveConnection(ctx context.Context, userID string) (int64, error) {
	return r.addConnection(ctx, userID, -1)
}

func (r *PresenceRepository) addConnection(ctx context.Context, userID string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.conns[userID] + delta
	if n <= 0 {
		delete(r.conns, userID)
		return 0, nil
	}
	r.conns[userID] = n
	return n, nil
}
