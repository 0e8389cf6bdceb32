// Package partition assigns workflow instances to runner partitions and
// coordinates rebalancing when the partition count changes.
package partition

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// Rule decides whether a workflow id belongs to the local partition. Runners
// apply it both to locally consumed events and to routing targets.
type Rule func(workflowID string) bool

// All is the single-partition rule.
func All() Rule {
	return func(string) bool { return true }
}

// Hash assigns ids to partition index out of total by stable hashing. Every
// id belongs to exactly one partition for a given total.
func Hash(index, total int) Rule {
	return func(workflowID string) bool {
		return int(HashKey(workflowID)%uint64(total)) == index
	}
}

// HashKey is the stable hash of a workflow id used by Hash. Changing it
// reassigns every instance, so it is part of the deployment contract.
func HashKey(workflowID string) uint64 {
	sum := md5.Sum([]byte(workflowID))
	return binary.BigEndian.Uint64(sum[:8])
}

// ReaderName is the durable reader identity of one partition of a workflow
// type's runner. Offsets are stored per reader name, so partitions progress
// independently.
func ReaderName(workflowType string, index, total int) string {
	if total <= 1 {
		return RunnerName(workflowType)
	}
	return fmt.Sprintf("%s_runner_partition_%d_of_%d", workflowType, index, total)
}

// RunnerName is the reader identity of an unpartitioned runner.
func RunnerName(workflowType string) string {
	return workflowType + "_runner"
}

// ReaderNames lists the reader identities of all partitions at a given total.
func ReaderNames(workflowType string, total int) []string {
	if total <= 1 {
		return []string{RunnerName(workflowType)}
	}
	names := make([]string, total)
	for i := 0; i < total; i++ {
		names[i] = ReaderName(workflowType, i, total)
	}
	return names
}
