package mining

// ResumePage returns the page an invocation starts at. The explicit cursor
// and the cursor implied by the processed count can disagree after an
// interruption; the larger one wins. With nothing processed, or no known
// page size, the explicit cursor is used as is.
func ResumePage(currentPage, processed, pageSize int) int {
	if currentPage < 0 {
		currentPage = 0
	}
	if processed <= 0 || pageSize <= 0 {
		return currentPage
	}
	implied := (processed + pageSize - 1) / pageSize
	return max(currentPage, implied)
}

// effectivePageSize picks the page size the provider actually serves:
// what it reported, else what was persisted, else what was requested.
func effectivePageSize(reported int, persisted *int, requested int) int {
	switch {
	case reported > 0:
		return reported
	case persisted != nil && *persisted > 0:
		return *persisted
	case requested > 0:
		return requested
	default:
		return DefaultPageSize
	}
}
