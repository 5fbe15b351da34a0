package models

import (
	"time"
)

// QueueSnapshot is one sample of a queue's depth taken by the monitor job.
type QueueSnapshot struct {
	ID uint `gorm:"primarykey"`

	Vhost     string `json:"vhost" gorm:"not null;size:191;index:queue_idx;"`
	QueueName string `json:"queue_name" gorm:"not null;size:191;index:queue_idx;"`

	Depth     int `json:"depth" gorm:"not null;default:0;"`
	Consumers int `json:"consumers" gorm:"not null;default:0;"`

	CreatedAt time.Time `json:"created_at" gorm:"index;"`
}

func (s *QueueSnapshot) Empty() bool {
	return s.Depth == 0
}
