package domain

import "time"

// Stage names the three pipeline work queues.
type Stage string

const (
	StageDeploy Stage = "deploy"
	StageSettle Stage = "settle"
	StageVerify Stage = "verify"
)

// Stages lists every pipeline stage, in flow order.
var Stages = []Stage{StageDeploy, StageSettle, StageVerify}

// QueueItem is an order snapshot serialized into a stage queue.
// ProcessingStarted is stamped when the item moves to the processing list
// and drives hang detection.
type QueueItem struct {
	OrderID           string     `json:"orderId"`
	RetryCount        int        `json:"retryCount"`
	EnqueuedAt        time.Time  `json:"enqueuedAt"`
	ProcessingStarted *time.Time `json:"processingStarted,omitempty"`
}
