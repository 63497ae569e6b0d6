package redis

// Redis key naming conventions for outbound queue data.
// All keys are prefixed with "outbound:{queue}:" so multiple instances
// share one Redis without collisions.

const keyPrefix = "outbound:"

// jobKey returns the Hash key for a job record: outbound:{queue}:job:{id}
func jobKey(queue, id string) string { return keyPrefix + queue + ":job:" + id }

// readyKey returns the Sorted Set of eligible jobs. Score encodes
// priority plus enqueue order; see readyScore.
func readyKey(queue string) string { return keyPrefix + queue + ":ready" }

// delayedKey returns the Sorted Set of not-yet-eligible jobs, scored by
// their eligibility time in Unix milliseconds.
func delayedKey(queue string) string { return keyPrefix + queue + ":delayed" }

// activeKey returns the Set of jobs currently claimed by a worker.
func activeKey(queue string) string { return keyPrefix + queue + ":active" }

// dedupIdxKey returns the Hash mapping dedup keys to live job IDs.
func dedupIdxKey(queue string) string { return keyPrefix + queue + ":dedup" }

// seqKey returns the counter handing out FIFO sequence numbers.
func seqKey(queue string) string { return keyPrefix + queue + ":seq" }

// completedKey and failedKey return the capped Lists of finished job IDs,
// newest first.
func completedKey(queue string) string { return keyPrefix + queue + ":completed" }
func failedKey(queue string) string    { return keyPrefix + queue + ":failed" }

// finishedChannel returns the Pub/Sub channel finished events publish to.
func finishedChannel(queue string) string { return keyPrefix + queue + ":finished" }
