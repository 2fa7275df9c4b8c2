package internal

import "expvar"

var (
	requestsTotal = expvar.NewMap("sentinelhooks_requests_total")
	outcomesTotal = expvar.NewMap("sentinelhooks_outcomes_total")
	enqueueErrors = expvar.NewMap("sentinelhooks_enqueue_errors_total")
	publishErrors = expvar.NewMap("sentinelhooks_publish_errors_total")
)

func IncRequest(event string) {
	if event == "" {
		event = "unknown"
	}
	requestsTotal.Add(event, 1)
}

func IncOutcome(outcome string) {
	outcomesTotal.Add(outcome, 1)
}

func IncEnqueueError(backend string) {
	enqueueErrors.Add(backend, 1)
}

func IncPublishError(driver string) {
	publishErrors.Add(driver, 1)
}

// PublishFunc exposes fn under name on /debug/vars. Repeated names are ignored.
func PublishFunc(name string, fn func() any) {
	if expvar.Get(name) != nil {
		return
	}
	expvar.Publish(name, expvar.Func(fn))
}
