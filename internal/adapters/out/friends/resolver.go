package friends

import (
	"context"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/EthanQC/presence/internal/ports/out"
)

const (
	DefaultUniverse = 20
	DefaultFanout   = 10
)

// parseMember 只接受 "1".."n" 这种规范写法，其余都当作未知用户
func parseMember(userID string, n int) (int, bool) {
	i, err := strconv.Atoi(userID)
	if err != nil || i < 1 || i > n || strconv.Itoa(i) != userID {
		return 0, false
	}
	return i, true
}

func normalize(universe, fanout int) (int, int) {
	if universe <= 0 {
		universe = DefaultUniverse
	}
	if fanout <= 0 {
		fanout = DefaultFanout
	}
	if fanout > universe-1 {
		fanout = universe - 1
	}
	return universe, fanout
}

// RandomResolver 模拟好友关系：每次解析都从其余用户里随机挑 fanout 个
// 好友关系不对称，两次解析结果也可能不同
type RandomResolver struct {
	universe int
	fanout   int

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewRandomResolver(universe, fanout int) *RandomResolver {
	seed := uint64(time.Now().UnixNano())
	return NewRandomResolverWithSeed(universe, fanout, seed)
}

func NewRandomResolverWithSeed(universe, fanout int, seed uint64) *RandomResolver {
	universe, fanout = normalize(universe, fanout)
	return &RandomResolver{
		universe: universe,
		fanout:   fanout,
		rnd:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

var _ out.FriendResolver = (*RandomResolver)(nil)

func (r *RandomResolver) Resolve(ctx context.Context, userID string) ([]string, error) {
	self, ok := parseMember(userID, r.universe)
	if !ok {
		return []string{}, nil
	}

	others := make([]string, 0, r.universe-1)
	for i := 1; i <= r.universe; i++ {
		if i != self {
			others = append(others, strconv.Itoa(i))
		}
	}

	r.mu.Lock()
	r.rnd.Shuffle(len(others), func(i, j int) { others[i], others[j] = others[j], others[i] })
	r.mu.Unlock()

	return others[:r.fanout], nil
}

// DeterministicResolver 固定环形关系：用户 i 的好友是 i+1..i+fanout（取模）
type DeterministicResolver struct {
	universe int
	fanout   int
}

func NewDeterministicResolver(universe, fanout int) *DeterministicResolver {
	universe, fanout = normalize(universe, fanout)
	return &DeterministicResolver{universe: universe, fanout: fanout}
}

var _ out.FriendResolver = (*DeterministicResolver)(nil)

func (r *DeterministicResolver) Resolve(ctx context.Context, userID string) ([]string, error) {
	self, ok := parseMember(userID, r.universe)
	if !ok {
		return []string{}, nil
	}

	friends := make([]string, 0, r.fanout)
	for k := 1; k <= r.fanout; k++ {
		friends = append(friends, strconv.Itoa((self-1+k)%r.universe+1))
	}
	return friends, nil
}
