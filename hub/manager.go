package hub

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ConsumerManager keeps track of running consumers so they can all be
// closed on shutdown.
type ConsumerManager struct {
	consumers sync.Map
}

func NewConsumerManager() *ConsumerManager {
	return &ConsumerManager{}
}

// Run registers c for the duration of c.Run(ctx).
func (cm *ConsumerManager) Run(ctx context.Context, c *Consumer) error {
	cm.consumers.Store(c.Tag(), c)
	defer cm.consumers.Delete(c.Tag())

	return c.Run(ctx)
}

func (cm *ConsumerManager) CloseAll() {
	wg := sync.WaitGroup{}

	cm.consumers.Range(func(key, value interface{}) bool {
		wg.Add(1)
		c := value.(*Consumer)
		go func() {
			defer wg.Done()
			if err := c.Close(); err != nil {
				log.Errorf("close consumer %s: %v", c.Tag(), err)
			}
		}()
		return true
	})

	wg.Wait()
}

func (cm *ConsumerManager) Count() int {
	count := 0
	cm.consumers.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}

func (cm *ConsumerManager) Print() {
	cm.consumers.Range(func(key, value interface{}) bool {
		c := value.(*Consumer)
		log.Infof("consumer %s queue %s", key, c.Queue())
		return true
	})
}
