package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// QueueSync carries pushes of local state that the remote store missed.
	QueueSync = "sync"
	// QueueDefault carries periodic sweeps.
	QueueDefault = "default"
	// TaskStockSync pushes locally adjusted product stock to the remote store.
	TaskStockSync = "stock:sync"
	// TaskOrderSync retries remote saves of orders flagged as unsynced.
	TaskOrderSync = "serviceorder:sync"
)

// QueueWeights is the priority the worker gives each queue.
var QueueWeights = map[string]int{
	QueueSync:    3,
	QueueDefault: 1,
}

// StockSyncPayload lists the products whose remote push failed.
type StockSyncPayload struct {
	ProductIDs []int64 `json:"product_ids"`
}

// OrderSyncPayload addresses one order; an empty code sweeps every pending
// order.
type OrderSyncPayload struct {
	Code string `json:"code,omitempty"`
}

// NewStockSyncTask constructs an Asynq task for deferred product pushes.
func NewStockSyncTask(productIDs []int64) (*asynq.Task, error) {
	if len(productIDs) == 0 {
		return nil, fmt.Errorf("jobs: %s needs at least one product", TaskStockSync)
	}
	body, err := json.Marshal(StockSyncPayload{ProductIDs: productIDs})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockSync, body, asynq.Queue(QueueSync)), nil
}

// NewOrderSyncTask constructs an Asynq task for unsynced orders. Sweeps go
// to the default queue.
func NewOrderSyncTask(code string) (*asynq.Task, error) {
	body, err := json.Marshal(OrderSyncPayload{Code: code})
	if err != nil {
		return nil, err
	}
	queue := QueueSync
	if code == "" {
		queue = QueueDefault
	}
	return asynq.NewTask(TaskOrderSync, body, asynq.Queue(queue)), nil
}
