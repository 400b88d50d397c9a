package helpers

// SafeIDPrefix shortens identifiers (changeset nodes, run IDs) for display.
func SafeIDPrefix(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
