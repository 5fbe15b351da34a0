package lb

import (
	"sync"
	"sync/atomic"
)

// Instance is what the pool hands out, usually a *hub.Producer.
type Instance interface {
	IsClosed() bool
	Close() error
}

type LoadBalancerInterface[T Instance] interface {
	Get() (*Item[T], error)
	Do(fn func(T) error) error
	Remove(id int64)
	RemoveAll(func(int64, T))
}

// Item wraps one instance. Lock it while the instance is in use, instances
// are not safe for concurrent use.
type Item[T Instance] struct {
	sync.Mutex
	id       int64
	instance T
}

func (i *Item[T]) Id() int64 {
	return i.id
}

func (i *Item[T]) Instance() T {
	return i.instance
}

// LoadBalancer lazily creates up to total instances and hands them out round robin.
type LoadBalancer[T Instance] struct {
	total   int64
	new     func(id int64) (T, error)
	lists   []*Item[T]
	current int64
	seq     int64
	mu      sync.RWMutex
}

var _ LoadBalancerInterface[Instance] = (*LoadBalancer[Instance])(nil)

func NewLoadBalancer[T Instance](total int64, new func(id int64) (T, error)) *LoadBalancer[T] {
	if total < 1 {
		total = 1
	}
	return &LoadBalancer[T]{total: total, new: new, current: -1}
}

// RemoveAll calls fn for every instance concurrently and empties the pool.
func (l *LoadBalancer[T]) RemoveAll(fn func(id int64, instance T)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	wg := sync.WaitGroup{}
	wg.Add(len(l.lists))
	for _, list := range l.lists {
		go func(item *Item[T]) {
			defer wg.Done()
			fn(item.id, item.instance)
		}(list)
	}

	wg.Wait()
	l.lists = nil
}

// Get returns the next item. A closed instance is replaced by a new one.
func (l *LoadBalancer[T]) Get() (*Item[T], error) {
	var (
		err    error
		newOne T
	)

	current := atomic.AddInt64(&l.current, 1)
	next := current % l.total

	l.mu.Lock()
	defer l.mu.Unlock()

	if int64(len(l.lists)-1) >= next && !l.lists[next].instance.IsClosed() {
		return l.lists[next], nil
	}

	for int64(len(l.lists)) <= next {
		if newOne, err = l.new(l.seq); err != nil {
			return nil, err
		}
		l.lists = append(l.lists, &Item[T]{
			id:       l.seq,
			instance: newOne,
		})
		l.seq++
	}

	if l.lists[next].instance.IsClosed() {
		if newOne, err = l.new(l.seq); err != nil {
			return nil, err
		}
		l.lists[next] = &Item[T]{id: l.seq, instance: newOne}
		l.seq++
	}

	return l.lists[next], nil
}

// Do runs fn with the next instance held exclusively.
func (l *LoadBalancer[T]) Do(fn func(T) error) error {
	item, err := l.Get()
	if err != nil {
		return err
	}
	item.Lock()
	defer item.Unlock()

	return fn(item.instance)
}

func (l *LoadBalancer[T]) Remove(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for index, list := range l.lists {
		if list.id == id {
			l.lists = append(l.lists[0:index], l.lists[index+1:]...)
			return
		}
	}
}

func (l *LoadBalancer[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.lists)
}
