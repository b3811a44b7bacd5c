package metrics

// Prometheus metric namespaces
const (
	namespaceExecution = "execution"
)

// Execution subsystems
const (
	subsystemSideTask = "side_task"
)
