package event

// Priority conventions for handler registration. Lower runs earlier.
// Enhancers conventionally sit near PriorityEnhancer so they enrich the
// event before any normal handler sees it; these are defaults, not
// enforced bounds — a descriptor may carry any priority.
const (
	PriorityEnhancer = 100
	PriorityNormal   = 1000
	PriorityLow      = 4000
	PriorityFallback = 5000
)
