package handlers

const (
	StatusPending = "pending"
	StatusPacked  = "packed"
	StatusSent    = "sent"
	StatusEmpty   = "empty"
)

// ListStatus classifies a list by how far it has progressed.
func ListStatus(unpacked, envelopes, unsent int) string {
	switch {
	case unpacked > 0:
		return StatusPending
	case envelopes == 0:
		return StatusEmpty
	case unsent > 0:
		return StatusPacked
	default:
		return StatusSent
	}
}
