package ledger

// conflictDecision captures the outcome of weighing an incoming change
// against the stored record.
type conflictDecision struct {
	accept bool
	action Action
}

// resolveConflict implements the per-record conflict policy for records that
// already exist. The change version is the principal signal; the client
// updated_at timestamp breaks ties, with the server's stored value winning an
// exact tie. A tied version with no client timestamp is accepted, since the
// client gave the server nothing to rank it behind.
func resolveConflict(stored SyncBase, incoming baseFields) conflictDecision {
	if incoming.changeVersion < stored.ChangeVersion {
		return conflictDecision{accept: false, action: ActionSkippedOlderVersion}
	}

	if incoming.changeVersion == stored.ChangeVersion &&
		incoming.hasUpdatedAt && !incoming.updatedAt.After(stored.UpdatedAt) {
		return conflictDecision{accept: false, action: ActionSkippedNewerServer}
	}

	action := ActionUpdated
	if incoming.isDeleted {
		action = ActionMarkedDeleted
	}
	return conflictDecision{accept: true, action: action}
}
