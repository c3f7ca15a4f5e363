package redis

// Redis key naming conventions for conduct data.
// All keys are prefixed with "conduct:" to avoid collisions.

const keyPrefix = "conduct:"

// ── Definition keys ──

// definitionKey returns the key for a definition entity: conduct:definition:{id}
func definitionKey(id string) string { return keyPrefix + "definition:" + id }

// definitionIDsKey is the Set tracking all definition IDs for enumeration.
const definitionIDsKey = keyPrefix + "definition_ids"

// ── Execution keys ──

// executionKey returns the key for an execution entity: conduct:execution:{id}
func executionKey(id string) string { return keyPrefix + "execution:" + id }

// executionIDsKey is the Set tracking all execution IDs for enumeration.
const executionIDsKey = keyPrefix + "execution_ids"

// ── Step keys ──

// stepKey returns the key for a step entity: conduct:step:{id}
func stepKey(id string) string { return keyPrefix + "step:" + id }

// stepIndexKey returns the Set key tracking an execution's step record ids.
func stepIndexKey(execID string) string { return keyPrefix + "step_idx:" + execID }

// awaitingIndexKey is the Hash mapping external workflow ids to the step
// record id currently awaiting that correlation id.
const awaitingIndexKey = keyPrefix + "awaiting_idx"

// timeoutIndexKey is the Sorted Set of awaiting step record ids scored by
// their deadline (unix seconds, fractional).
const timeoutIndexKey = keyPrefix + "timeout_idx"
