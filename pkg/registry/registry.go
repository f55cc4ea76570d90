package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultHeartbeatInterval はハートビートの既定の間隔。
	DefaultHeartbeatInterval = 10 * time.Second
	// DefaultMaxMissed は不健全とみなすまでに許容する取りこぼし回数。
	DefaultMaxMissed = 3
)

var (
	// ErrInstanceNotFound は未登録のインスタンスを指定したことを表す。
	ErrInstanceNotFound = errors.New("インスタンスが登録されていません")
	// ErrInvalidInstance はサービス名・ホスト・ポート等が不正であることを表す。
	ErrInvalidInstance = errors.New("インスタンスの指定が不正です")
)

// Registry はサービス名ごとにインスタンスを保持する。並行アクセスに対して安全である。
type Registry struct {
	mu sync.RWMutex
	// services はサービス名 → アドレス → インスタンスの対応。
	services map[string]map[string]*Instance
	// interval はハートビートの想定間隔。
	interval time.Duration
	// maxMissed はこの回数以上取りこぼすと不健全とみなす。
	maxMissed int
	// now は現在時刻の取得関数。
	now func() time.Time
	// onEvict はSweepでインスタンスを削除したときに呼ばれる。
	onEvict func(Instance)
}

// Option はRegistryの設定を変更する関数。
type Option func(*Registry)

// WithHeartbeatInterval はハートビート間隔を変更する。
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithMaxMissed は許容する取りこぼし回数を変更する。
func WithMaxMissed(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxMissed = n
		}
	}
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithEvictionHook はSweepで削除されたインスタンスを受け取る関数を設定する。
func WithEvictionHook(fn func(Instance)) Option {
	return func(r *Registry) {
		r.onEvict = fn
	}
}

// New は新しいRegistryを生成する。
func New(opts ...Option) *Registry {
	r := &Registry{
		services:  make(map[string]map[string]*Instance),
		interval:  DefaultHeartbeatInterval,
		maxMissed: DefaultMaxMissed,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register はインスタンスを登録する。同じサービス・アドレスが既にあれば
// 状態とハートビート時刻を更新し、IDはそのまま引き継ぐ。
func (r *Registry) Register(inst Instance) (Instance, error) {
	if err := validate(inst.Service, inst.Host, inst.Port); err != nil {
		return Instance{}, err
	}
	if inst.Status == "" {
		inst.Status = StatusPassing
	}
	if !inst.Status.Valid() {
		return Instance{}, fmt.Errorf("%w: 不明な状態 %q", ErrInvalidInstance, inst.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	byAddr, ok := r.services[inst.Service]
	if !ok {
		byAddr = make(map[string]*Instance)
		r.services[inst.Service] = byAddr
	}

	if existing, ok := byAddr[inst.Addr()]; ok {
		existing.Status = inst.Status
		existing.Static = existing.Static || inst.Static
		existing.Scheme = inst.Scheme
		existing.LastHeartbeat = now
		return *existing, nil
	}

	inst.ID = uuid.New().String()
	inst.RegisteredAt = now
	inst.LastHeartbeat = now
	stored := inst
	byAddr[inst.Addr()] = &stored
	return stored, nil
}

// Heartbeat はインスタンスの最終ハートビート時刻と報告された状態を更新する。
// statusが空の場合はStatusPassingとして扱う。
func (r *Registry) Heartbeat(service, host string, port int, status Status) (Instance, error) {
	if err := validate(service, host, port); err != nil {
		return Instance{}, err
	}
	if status == "" {
		status = StatusPassing
	}
	if !status.Valid() {
		return Instance{}, fmt.Errorf("%w: 不明な状態 %q", ErrInvalidInstance, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.lookup(service, host, port)
	if !ok {
		return Instance{}, ErrInstanceNotFound
	}
	inst.Status = status
	inst.LastHeartbeat = r.now()
	return *inst, nil
}

// Deregister はインスタンスを削除する。
func (r *Registry) Deregister(service, host string, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.lookup(service, host, port)
	if !ok {
		return ErrInstanceNotFound
	}
	r.remove(inst)
	return nil
}

// HealthyInstancesFor はserviceの健全なインスタンスをアドレス順で返す。
func (r *Registry) HealthyInstancesFor(service string) []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var healthy []Instance
	for _, inst := range r.services[service] {
		if r.healthy(inst, now) {
			healthy = append(healthy, *inst)
		}
	}
	sortByAddr(healthy)
	return healthy
}

// Instances はserviceの全インスタンスを、実効的な状態を反映してアドレス順で返す。
func (r *Registry) Instances(service string) []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot(service, r.now())
}

// Services は登録されている全サービスのインスタンス一覧を返す。
func (r *Registry) Services() map[string][]Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	out := make(map[string][]Instance, len(r.services))
	for name := range r.services {
		out[name] = r.snapshot(name, now)
	}
	return out
}

// Sweep はハートビートをmaxMissed回以上取りこぼしたインスタンスを削除し、削除したものを返す。
// 静的インスタンスは削除しない。
func (r *Registry) Sweep() []Instance {
	r.mu.Lock()
	now := r.now()
	var evicted []Instance
	for _, byAddr := range r.services {
		for _, inst := range byAddr {
			if inst.Static || r.missed(inst, now) < r.maxMissed {
				continue
			}
			evicted = append(evicted, *inst)
			r.remove(inst)
		}
	}
	r.mu.Unlock()

	if r.onEvict != nil {
		for _, inst := range evicted {
			r.onEvict(inst)
		}
	}
	return evicted
}

// Run はctxがキャンセルされるまでハートビート間隔ごとにSweepを実行する。
// バックグラウンドgoroutineとして呼び出されることを想定している。
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// lookup はロック取得済みの状態で呼び出すこと。
func (r *Registry) lookup(service, host string, port int) (*Instance, bool) {
	byAddr, ok := r.services[service]
	if !ok {
		return nil, false
	}
	inst, ok := byAddr[Instance{Host: host, Port: port}.Addr()]
	return inst, ok
}

// remove はロック取得済みの状態で呼び出すこと。
func (r *Registry) remove(inst *Instance) {
	byAddr := r.services[inst.Service]
	delete(byAddr, inst.Addr())
	if len(byAddr) == 0 {
		delete(r.services, inst.Service)
	}
}

// snapshot はロック取得済みの状態で呼び出すこと。
func (r *Registry) snapshot(service string, now time.Time) []Instance {
	out := make([]Instance, 0, len(r.services[service]))
	for _, inst := range r.services[service] {
		c := *inst
		if !r.healthy(inst, now) {
			c.Status = StatusFailing
		}
		out = append(out, c)
	}
	sortByAddr(out)
	return out
}

// missed は最終ハートビートから取りこぼした間隔の数を返す。
func (r *Registry) missed(inst *Instance, now time.Time) int {
	return int(now.Sub(inst.LastHeartbeat) / r.interval)
}

// healthy はインスタンスが選択対象になるかを返す。
func (r *Registry) healthy(inst *Instance, now time.Time) bool {
	if inst.Status == StatusFailing {
		return false
	}
	return inst.Static || r.missed(inst, now) < r.maxMissed
}

func validate(service, host string, port int) error {
	if service == "" || host == "" {
		return fmt.Errorf("%w: サービス名とホストは必須です", ErrInvalidInstance)
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%w: ポート番号 %d は範囲外です", ErrInvalidInstance, port)
	}
	return nil
}

func sortByAddr(instances []Instance) {
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].Addr() < instances[j].Addr()
	})
}
