package hub

import (
	log "github.com/sirupsen/logrus"
)

// Prepareable is one declare step each, run in order by prepare.
type Prepareable interface {
	PrepareExchange() error
	PrepareQueueDeclare() error
	PrepareQueueBind() error
}

// ConsumerBuilder adds the steps a consumer needs before it can receive.
type ConsumerBuilder interface {
	Prepareable
	PrepareQos() error
	PrepareDelivery() error
}

func prepare(p Prepareable) error {
	var err error

	if err = p.PrepareExchange(); err != nil {
		log.Error("prepareExchange ", err)
		return err
	}

	if err = p.PrepareQueueDeclare(); err != nil {
		log.Error("prepareQueueDeclare ", err)
		return err
	}

	if err = p.PrepareQueueBind(); err != nil {
		log.Error("prepareQueueBind ", err)
		return err
	}

	return nil
}

// subscribe sets the prefetch window and starts the delivery stream, the
// declares already ran in Configure.
func subscribe(b ConsumerBuilder) error {
	var err error

	if err = b.PrepareQos(); err != nil {
		log.Error("PrepareQos ", err)
		return err
	}

	if err = b.PrepareDelivery(); err != nil {
		log.Error("PrepareDelivery ", err)
		return err
	}

	return nil
}
