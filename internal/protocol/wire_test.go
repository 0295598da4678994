package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRequestRoundTrip(t *testing.T) {
	in := ClientRequest{
		ID:           42,
		ClientSendNS: 1_000_000_001,
		Deadline:     1_005_000_001,
		ServiceHint:  37,
		ClientID:     3,
		Type:         TypeScan,
		PayloadSize:  0,
	}
	buf := make([]byte, ClientRequestSize)
	n, err := in.Encode(buf)
	require.NoError(t, err)
	assert.Equal(t, ClientRequestSize, n)

	var out ClientRequest
	require.NoError(t, out.Decode(buf))
	assert.Equal(t, in, out)
}

func TestDeadlinePreservedBitExact(t *testing.T) {
	// The deadline field is advisory everywhere downstream but must survive
	// every conversion unchanged so the client-side judgement stays bound to
	// the value produced at generation time.
	deadline := uint64(0xDEADBEEFCAFEF00D)

	creq := ClientRequest{ID: 7, Deadline: deadline}
	buf := make([]byte, ClientRequestSize)
	_, err := creq.Encode(buf)
	require.NoError(t, err)
	var creq2 ClientRequest
	require.NoError(t, creq2.Decode(buf))

	wreq := WorkerRequest{ID: creq2.ID, Deadline: creq2.Deadline}
	wbuf := make([]byte, WorkerRequestSize)
	_, err = wreq.Encode(wbuf)
	require.NoError(t, err)
	var wreq2 WorkerRequest
	require.NoError(t, wreq2.Decode(wbuf))

	assert.Equal(t, deadline, wreq2.Deadline)
}

func TestWorkerMessagesRoundTrip(t *testing.T) {
	req := WorkerRequest{
		ID: 9, ClientSendNS: 11, Deadline: 22, LBForwardNS: 33,
		ServiceHint: 44, WorkerID: 5, Type: TypePut, PayloadSize: 0,
	}
	buf := make([]byte, WorkerRequestSize)
	n, err := req.Encode(buf)
	require.NoError(t, err)
	assert.Equal(t, WorkerRequestSize, n)
	var req2 WorkerRequest
	require.NoError(t, req2.Decode(buf))
	assert.Equal(t, req, req2)

	resp := WorkerResponse{
		ID: 9, WorkerRecvNS: 100, WorkerDoneNS: 200, QueueTimeNS: 50,
		ServiceTimeUS: 12, QueueLen: 4, WorkerID: 5, Success: 1,
	}
	rbuf := make([]byte, WorkerResponseSize)
	n, err = resp.Encode(rbuf)
	require.NoError(t, err)
	assert.Equal(t, WorkerResponseSize, n)
	var resp2 WorkerResponse
	require.NoError(t, resp2.Decode(rbuf))
	assert.Equal(t, resp, resp2)
}

func TestClientResponseRoundTrip(t *testing.T) {
	in := ClientResponse{
		ID: 1, ClientSendNS: 2, E2ELatencyNS: 3, ServiceTimeUS: 4,
		WorkerID: 5, DeadlineMetAdvisory: 1, Success: 1,
	}
	buf := make([]byte, ClientResponseSize)
	n, err := in.Encode(buf)
	require.NoError(t, err)
	assert.Equal(t, ClientResponseSize, n)
	var out ClientResponse
	require.NoError(t, out.Decode(buf))
	assert.Equal(t, in, out)
}

func TestHeartbeatIsSixteenBytes(t *testing.T) {
	in := Heartbeat{
		NodeID: 2, Flags: 1, LoadFactorK: 1500,
		SlackP10: -30, SlackP50: 250, QueueLen: 77,
	}
	buf := make([]byte, HeartbeatSize)
	n, err := in.Encode(buf)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	var out Heartbeat
	require.NoError(t, out.Decode(buf))
	assert.Equal(t, in, out)
}

func TestStateUpdateRoundTrip(t *testing.T) {
	in := StateUpdate{
		QueueLen:       10,
		ActiveRequests: 3,
		CompletedTotal: 12345,
		LoadEMA:        2.5,
		WorkerID:       7,
		Healthy:        1,
		SlackHistogram: []uint32{5, 4, 3, 2, 1, 0, 0, 0},
	}
	buf := make([]byte, StateUpdateSize(len(in.SlackHistogram)))
	n, err := in.Encode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)

	var out StateUpdate
	require.NoError(t, out.Decode(buf))
	assert.Equal(t, in, out)
}

func TestDecodeShortBuffer(t *testing.T) {
	var r ClientRequest
	assert.Error(t, r.Decode(make([]byte, 10)))
	var w WorkerResponse
	assert.Error(t, w.Decode(nil))
}

func TestServiceMultipliers(t *testing.T) {
	assert.Equal(t, 1.0, TypeGet.ServiceMultiplier())
	assert.Equal(t, 1.2, TypePut.ServiceMultiplier())
	assert.Equal(t, 2.0, TypeScan.ServiceMultiplier())
	assert.Equal(t, 1.5, TypeCompute.ServiceMultiplier())
}
