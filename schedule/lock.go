package schedule

import (
	"fmt"

	dlm "github.com/DuC-cnZj/dlm"
	"github.com/go-redis/redis/v8"
)

// Lock is a distributed lock shared by every replica.
type Lock interface {
	Acquire() bool
	Release()
	ForceRelease()
	Owner() string
}

type LockFactory func(name string) Lock

// DLMLocks creates redis backed locks that expire after expiration seconds.
func DLMLocks(client *redis.Client, expiration int) LockFactory {
	return func(name string) Lock {
		return &dlmLock{lock: dlm.NewLock(client, name, dlm.WithEX(expiration))}
	}
}

type dlmLock struct {
	lock *dlm.Lock
}

func (d *dlmLock) Acquire() bool {
	return d.lock.Acquire()
}

func (d *dlmLock) Release() {
	d.lock.Release()
}

func (d *dlmLock) ForceRelease() {
	d.lock.ForceRelease()
}

func (d *dlmLock) Owner() string {
	return fmt.Sprint(d.lock.GetCurrentOwner())
}
