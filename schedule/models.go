package schedule

import (
	"time"

	"github.com/google/uuid"
)

// Kind names the deferred check a task performs.
type Kind string

const (
	// KindEscrowRelease fires 48h after a payment enters escrow and
	// auto-releases an uncontested hold (silence = acceptance).
	KindEscrowRelease Kind = "escrow_release"
	// KindContractFinalize fires when a contract's retraction window closes
	// and locks the signed artifact.
	KindContractFinalize Kind = "contract_finalize"
)

// TaskStatus is the lifecycle of one scheduled task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskDone    TaskStatus = "done"
	TaskDead    TaskStatus = "dead"
)

// Task mirrors the scheduled_tasks table. EntityRef is the public reference
// of the payment or contract the task acts on; the sweeper always re-reads
// the entity's state before acting, never trusting the task itself.
type Task struct {
	ID        uuid.UUID
	Kind      Kind
	EntityRef string
	FireAt    time.Time
	Status    TaskStatus
	Attempts  int
	LastError *string
	CreatedAt time.Time
	UpdatedAt time.Time
}
