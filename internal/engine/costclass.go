package engine

// ProcessingCostClass declares the execution cost of a pipeline stage and
// determines which executor pool runs it.
type ProcessingCostClass int

const (
	// CostLight marks cheap, non-blocking work that stays on the shared
	// light pool.
	CostLight ProcessingCostClass = iota

	// CostBlocking marks stages performing blocking I/O; they are off-loaded
	// to a dedicated pool sized for waiting work.
	CostBlocking

	// CostCPUIntensive marks computation-heavy stages dispatched to a pool
	// sized to the available parallelism.
	CostCPUIntensive
)

func (c ProcessingCostClass) String() string {
	switch c {
	case CostLight:
		return "light"
	case CostBlocking:
		return "blocking"
	case CostCPUIntensive:
		return "cpu_intensive"
	default:
		return "unknown"
	}
}
