package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Fixed-layout little-endian headers. Field order and widths are part of the
// protocol; payload bytes, when present, follow the header directly.

const (
	ClientRequestSize  = 32
	WorkerRequestSize  = 40
	WorkerResponseSize = 40
	ClientResponseSize = 32
	HeartbeatSize      = 16
)

var ErrShortBuffer = errors.New("protocol: buffer too short")

// ClientRequest travels client -> load balancer.
type ClientRequest struct {
	ID           uint64
	ClientSendNS uint64
	Deadline     uint64
	ServiceHint  uint32 // microseconds
	ClientID     uint8
	Type         RequestType
	PayloadSize  uint16
}

func (r *ClientRequest) Encode(buf []byte) (int, error) {
	if len(buf) < ClientRequestSize+int(r.PayloadSize) {
		return 0, errors.Wrap(ErrShortBuffer, "encode ClientRequest")
	}
	binary.LittleEndian.PutUint64(buf[0:], r.ID)
	binary.LittleEndian.PutUint64(buf[8:], r.ClientSendNS)
	binary.LittleEndian.PutUint64(buf[16:], r.Deadline)
	binary.LittleEndian.PutUint32(buf[24:], r.ServiceHint)
	buf[28] = r.ClientID
	buf[29] = uint8(r.Type)
	binary.LittleEndian.PutUint16(buf[30:], r.PayloadSize)
	return ClientRequestSize + int(r.PayloadSize), nil
}

func (r *ClientRequest) Decode(buf []byte) error {
	if len(buf) < ClientRequestSize {
		return errors.Wrap(ErrShortBuffer, "decode ClientRequest")
	}
	r.ID = binary.LittleEndian.Uint64(buf[0:])
	r.ClientSendNS = binary.LittleEndian.Uint64(buf[8:])
	r.Deadline = binary.LittleEndian.Uint64(buf[16:])
	r.ServiceHint = binary.LittleEndian.Uint32(buf[24:])
	r.ClientID = buf[28]
	r.Type = RequestType(buf[29])
	r.PayloadSize = binary.LittleEndian.Uint16(buf[30:])
	if len(buf) < ClientRequestSize+int(r.PayloadSize) {
		return errors.Wrap(ErrShortBuffer, "decode ClientRequest payload")
	}
	return nil
}

// WorkerRequest travels load balancer -> worker.
type WorkerRequest struct {
	ID           uint64
	ClientSendNS uint64
	Deadline     uint64
	LBForwardNS  uint64
	ServiceHint  uint32
	WorkerID     uint8
	Type         RequestType
	PayloadSize  uint16
}

func (r *WorkerRequest) Encode(buf []byte) (int, error) {
	if len(buf) < WorkerRequestSize+int(r.PayloadSize) {
		return 0, errors.Wrap(ErrShortBuffer, "encode WorkerRequest")
	}
	binary.LittleEndian.PutUint64(buf[0:], r.ID)
	binary.LittleEndian.PutUint64(buf[8:], r.ClientSendNS)
	binary.LittleEndian.PutUint64(buf[16:], r.Deadline)
	binary.LittleEndian.PutUint64(buf[24:], r.LBForwardNS)
	binary.LittleEndian.PutUint32(buf[32:], r.ServiceHint)
	buf[36] = r.WorkerID
	buf[37] = uint8(r.Type)
	binary.LittleEndian.PutUint16(buf[38:], r.PayloadSize)
	return WorkerRequestSize + int(r.PayloadSize), nil
}

func (r *WorkerRequest) Decode(buf []byte) error {
	if len(buf) < WorkerRequestSize {
		return errors.Wrap(ErrShortBuffer, "decode WorkerRequest")
	}
	r.ID = binary.LittleEndian.Uint64(buf[0:])
	r.ClientSendNS = binary.LittleEndian.Uint64(buf[8:])
	r.Deadline = binary.LittleEndian.Uint64(buf[16:])
	r.LBForwardNS = binary.LittleEndian.Uint64(buf[24:])
	r.ServiceHint = binary.LittleEndian.Uint32(buf[32:])
	r.WorkerID = buf[36]
	r.Type = RequestType(buf[37])
	r.PayloadSize = binary.LittleEndian.Uint16(buf[38:])
	if len(buf) < WorkerRequestSize+int(r.PayloadSize) {
		return errors.Wrap(ErrShortBuffer, "decode WorkerRequest payload")
	}
	return nil
}

// WorkerResponse travels worker -> load balancer.
type WorkerResponse struct {
	ID            uint64
	WorkerRecvNS  uint64
	WorkerDoneNS  uint64
	QueueTimeNS   uint64
	ServiceTimeUS uint32
	QueueLen      uint16
	WorkerID      uint8
	Success       uint8
}

func (r *WorkerResponse) Encode(buf []byte) (int, error) {
	if len(buf) < WorkerResponseSize {
		return 0, errors.Wrap(ErrShortBuffer, "encode WorkerResponse")
	}
	binary.LittleEndian.PutUint64(buf[0:], r.ID)
	binary.LittleEndian.PutUint64(buf[8:], r.WorkerRecvNS)
	binary.LittleEndian.PutUint64(buf[16:], r.WorkerDoneNS)
	binary.LittleEndian.PutUint64(buf[24:], r.QueueTimeNS)
	binary.LittleEndian.PutUint32(buf[32:], r.ServiceTimeUS)
	binary.LittleEndian.PutUint16(buf[36:], r.QueueLen)
	buf[38] = r.WorkerID
	buf[39] = r.Success
	return WorkerResponseSize, nil
}

func (r *WorkerResponse) Decode(buf []byte) error {
	if len(buf) < WorkerResponseSize {
		return errors.Wrap(ErrShortBuffer, "decode WorkerResponse")
	}
	r.ID = binary.LittleEndian.Uint64(buf[0:])
	r.WorkerRecvNS = binary.LittleEndian.Uint64(buf[8:])
	r.WorkerDoneNS = binary.LittleEndian.Uint64(buf[16:])
	r.QueueTimeNS = binary.LittleEndian.Uint64(buf[24:])
	r.ServiceTimeUS = binary.LittleEndian.Uint32(buf[32:])
	r.QueueLen = binary.LittleEndian.Uint16(buf[36:])
	r.WorkerID = buf[38]
	r.Success = buf[39]
	return nil
}

// ClientResponse travels load balancer -> client. DeadlineMetAdvisory is
// informational only: the client re-judges against its slot table.
type ClientResponse struct {
	ID                  uint64
	ClientSendNS        uint64
	E2ELatencyNS        uint64
	ServiceTimeUS       uint32
	WorkerID            uint8
	DeadlineMetAdvisory uint8
	Success             uint8
}

func (r *ClientResponse) Encode(buf []byte) (int, error) {
	if len(buf) < ClientResponseSize {
		return 0, errors.Wrap(ErrShortBuffer, "encode ClientResponse")
	}
	binary.LittleEndian.PutUint64(buf[0:], r.ID)
	binary.LittleEndian.PutUint64(buf[8:], r.ClientSendNS)
	binary.LittleEndian.PutUint64(buf[16:], r.E2ELatencyNS)
	binary.LittleEndian.PutUint32(buf[24:], r.ServiceTimeUS)
	buf[28] = r.WorkerID
	buf[29] = r.DeadlineMetAdvisory
	buf[30] = r.Success
	buf[31] = 0 // pad
	return ClientResponseSize, nil
}

func (r *ClientResponse) Decode(buf []byte) error {
	if len(buf) < ClientResponseSize {
		return errors.Wrap(ErrShortBuffer, "decode ClientResponse")
	}
	r.ID = binary.LittleEndian.Uint64(buf[0:])
	r.ClientSendNS = binary.LittleEndian.Uint64(buf[8:])
	r.E2ELatencyNS = binary.LittleEndian.Uint64(buf[16:])
	r.ServiceTimeUS = binary.LittleEndian.Uint32(buf[24:])
	r.WorkerID = buf[28]
	r.DeadlineMetAdvisory = buf[29]
	r.Success = buf[30]
	return nil
}

// Heartbeat is the optional 16-byte push form of the worker state update.
type Heartbeat struct {
	NodeID      uint8
	Flags       uint8
	LoadFactorK uint16 // load factor x1000
	SlackP10    int16
	SlackP50    int16
	QueueLen    uint32
	Reserved    uint32
}

func (h *Heartbeat) Encode(buf []byte) (int, error) {
	if len(buf) < HeartbeatSize {
		return 0, errors.Wrap(ErrShortBuffer, "encode Heartbeat")
	}
	buf[0] = h.NodeID
	buf[1] = h.Flags
	binary.LittleEndian.PutUint16(buf[2:], h.LoadFactorK)
	binary.LittleEndian.PutUint16(buf[4:], uint16(h.SlackP10))
	binary.LittleEndian.PutUint16(buf[6:], uint16(h.SlackP50))
	binary.LittleEndian.PutUint32(buf[8:], h.QueueLen)
	binary.LittleEndian.PutUint32(buf[12:], h.Reserved)
	return HeartbeatSize, nil
}

func (h *Heartbeat) Decode(buf []byte) error {
	if len(buf) < HeartbeatSize {
		return errors.Wrap(ErrShortBuffer, "decode Heartbeat")
	}
	h.NodeID = buf[0]
	h.Flags = buf[1]
	h.LoadFactorK = binary.LittleEndian.Uint16(buf[2:])
	h.SlackP10 = int16(binary.LittleEndian.Uint16(buf[4:]))
	h.SlackP50 = int16(binary.LittleEndian.Uint16(buf[6:]))
	h.QueueLen = binary.LittleEndian.Uint32(buf[8:])
	h.Reserved = binary.LittleEndian.Uint32(buf[12:])
	return nil
}

// StateUpdate is the reply payload of the ReqStateUpdate RPC: queue length
// plus the current slack histogram, used by the LB to refresh its view.
type StateUpdate struct {
	QueueLen       uint32
	ActiveRequests uint32
	CompletedTotal uint64
	LoadEMA        float64
	WorkerID       uint8
	Healthy        uint8
	SlackHistogram []uint32
}

// StateUpdateSize returns the encoded size for a histogram of the given
// number of bins.
func StateUpdateSize(bins int) int {
	return 26 + 4*bins
}

func (s *StateUpdate) Encode(buf []byte) (int, error) {
	n := StateUpdateSize(len(s.SlackHistogram))
	if len(buf) < n {
		return 0, errors.Wrap(ErrShortBuffer, "encode StateUpdate")
	}
	binary.LittleEndian.PutUint32(buf[0:], s.QueueLen)
	binary.LittleEndian.PutUint32(buf[4:], s.ActiveRequests)
	binary.LittleEndian.PutUint64(buf[8:], s.CompletedTotal)
	binary.LittleEndian.PutUint64(buf[16:], uint64(s.LoadEMA*1e6))
	buf[24] = s.WorkerID
	buf[25] = s.Healthy
	for i, v := range s.SlackHistogram {
		binary.LittleEndian.PutUint32(buf[26+4*i:], v)
	}
	return n, nil
}

func (s *StateUpdate) Decode(buf []byte) error {
	if len(buf) < 26 {
		return errors.Wrap(ErrShortBuffer, "decode StateUpdate")
	}
	s.QueueLen = binary.LittleEndian.Uint32(buf[0:])
	s.ActiveRequests = binary.LittleEndian.Uint32(buf[4:])
	s.CompletedTotal = binary.LittleEndian.Uint64(buf[8:])
	s.LoadEMA = float64(binary.LittleEndian.Uint64(buf[16:])) / 1e6
	s.WorkerID = buf[24]
	s.Healthy = buf[25]
	bins := (len(buf) - 26) / 4
	s.SlackHistogram = make([]uint32, bins)
	for i := range s.SlackHistogram {
		s.SlackHistogram[i] = binary.LittleEndian.Uint32(buf[26+4*i:])
	}
	return nil
}
