package metrics

import "sync/atomic"

var unitsCompleted int64
var unitsFailed int64
var apiRetries int64

func IncCompleted() { atomic.AddInt64(&unitsCompleted, 1) }
func IncFailed()    { atomic.AddInt64(&unitsFailed, 1) }
func IncRetries()   { atomic.AddInt64(&apiRetries, 1) }

func Snapshot() map[string]int64 {
	return map[string]int64{
		"units_completed": atomic.LoadInt64(&unitsCompleted),
		"units_failed":    atomic.LoadInt64(&unitsFailed),
		"api_retries":     atomic.LoadInt64(&apiRetries),
	}
}
