// Package dispatch implements the load balancer core: the per-request
// worker-selection policies, the evolving worker-state view they read, the
// pending-request table and the dispatcher that binds them to the transport.
package dispatch

import (
	"github.com/pkg/errors"

	"github.com/taildispatch/taildispatch/internal/protocol"
)

// Request is the policy-visible part of a client request. Deadline is the
// advisory copy; policies may use it to price risk but never to judge the
// request's fate.
type Request struct {
	ID            uint64
	ClientID      uint8
	Type          protocol.RequestType
	PayloadSize   uint16
	ServiceHintUS uint32
	Deadline      int64
}

// Decision is the outcome of one schedule call.
type Decision struct {
	Target     int // index into the worker vector, -1 when nothing is eligible
	Confidence float64
	DecisionNS int64
}

// Trace carries completion feedback to a policy.
type Trace struct {
	ID           uint64
	Worker       uint8
	Deadline     int64
	ClientSendNS int64
	WorkerRecvNS int64
	WorkerDoneNS int64
	LBResponseNS int64
	DeadlineMet  bool
}

// Policy selects a worker for each request over the current state vector.
// Implementations are driven from the LB event loop and need not be
// goroutine-safe.
type Policy interface {
	Name() string
	Schedule(req *Request, workers []WorkerState) Decision
	OnComplete(trace Trace)
}

// Kind names a policy implementation.
type Kind string

const (
	KindPowerOfChoices Kind = "po2"
	KindVarianceMin    Kind = "varmin"
	KindRiskMin        Kind = "riskmin"
)

// ParseKind maps a CLI string onto a policy kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindPowerOfChoices, KindVarianceMin, KindRiskMin:
		return Kind(s), nil
	}
	return "", errors.Errorf("unknown scheduling policy %q", s)
}

// New constructs the selected policy. modelPath may be empty; a policy that
// fails to load its artefact falls back to its heuristic and logs a warning.
func New(kind Kind, modelPath string, seed int64) (Policy, error) {
	switch kind {
	case KindPowerOfChoices:
		return NewPowerOfChoices(2, seed), nil
	case KindVarianceMin:
		return NewVarianceMin(modelPath), nil
	case KindRiskMin:
		return NewRiskMin(modelPath, DefaultCVaRAlpha), nil
	}
	return nil, errors.Errorf("unknown scheduling policy %q", kind)
}
