package ipc

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/webtap/internal/errs"
)

func TestResponseType(t *testing.T) {
	assert.Equal(t, MessageType("status_response"), ResponseType(StatusRequest))
	assert.Equal(t, MessageType("worker_peek_response"), ResponseType("worker_peek_request"))
	assert.Equal(t, MessageType("odd_response"), ResponseType("odd"))
}

func TestParseRequestValidatesShape(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		ok    bool
	}{
		{"valid", `{"type":"status_request","sessionId":"s1"}`, true},
		{"extra fields", `{"type":"peek_request","sessionId":"s1","lastN":5}`, true},
		{"missing type", `{"sessionId":"s1"}`, false},
		{"numeric type", `{"type":7,"sessionId":"s1"}`, false},
		{"missing session", `{"type":"status_request"}`, false},
		{"numeric session", `{"type":"status_request","sessionId":3}`, false},
		{"not json", `status please`, false},
		{"array", `[1,2]`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest([]byte(tt.frame))
			if tt.ok {
				require.NoError(t, err)
				assert.NotEmpty(t, req.Type)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrParse))
		})
	}
}

func TestRequestDecodeParams(t *testing.T) {
	req, err := ParseRequest([]byte(`{"type":"details_request","sessionId":"s9","itemType":"console","id":"3"}`))
	require.NoError(t, err)

	var p DetailsParams
	require.NoError(t, req.Decode(&p))
	assert.Equal(t, "console", p.ItemType)
	assert.Equal(t, "3", p.ID)
	assert.True(t, IsKnownRequest(req.Type))
	assert.False(t, IsKnownRequest("reboot_request"))
}

func TestNewRequestFlattensParams(t *testing.T) {
	frame, err := NewRequest(PeekRequest, "abc", PeekParams{LastN: 7})
	require.NoError(t, err)

	data, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"peek_request","sessionId":"abc","lastN":7}`, string(data))

	_, err = NewRequest(PeekRequest, "abc", []int{1})
	assert.Error(t, err)
}

func TestOKAndFailResponses(t *testing.T) {
	ok := OK(StatusRequest, "s1", map[string]int{"uptimeMs": 10})
	assert.Equal(t, StatusOK, ok.Status)
	assert.Equal(t, MessageType("status_response"), ok.Type)
	assert.JSONEq(t, `{"uptimeMs":10}`, string(ok.Data))

	fail := Fail(PeekRequest, "s2", errors.New("no active session"), nil)
	assert.Equal(t, StatusError, fail.Status)
	assert.Equal(t, "no active session", fail.Error)
	assert.Empty(t, fail.Data)

	withData := Fail(StatusRequest, "s3", errors.New("Request timed out after 5s"), map[string]int{"daemonPid": 1})
	var data map[string]int
	require.NoError(t, withData.DecodeData(&data))
	assert.Equal(t, 1, data["daemonPid"])
}

func TestParseWorkerMessageVariants(t *testing.T) {
	msg, err := ParseWorkerMessage([]byte(`{"type":"worker_ready","workerPid":42,"cdpUrl":"ws://x"}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Ready)
	assert.Equal(t, 42, msg.Ready.WorkerPID)

	msg, err = ParseWorkerMessage([]byte(`{"type":"worker_peek_response","requestId":"r1","success":true,"data":{"n":1}}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Response)
	assert.Equal(t, "r1", msg.Response.RequestID)
	assert.True(t, msg.Response.Success)

	msg, err = ParseWorkerMessage([]byte(`{"type":"worker_failed","error":"no browser"}`))
	require.NoError(t, err)
	assert.Equal(t, "no browser", msg.Failed.Error)

	_, err = ParseWorkerMessage([]byte(`{"type":"worker_peek_response","success":true}`))
	assert.Error(t, err)

	_, err = ParseWorkerMessage([]byte(`{"type":"surprise"}`))
	assert.Error(t, err)
}

func TestWorkerRequestCommand(t *testing.T) {
	req, err := NewWorkerRequest(CmdDetails, "r-1", DetailsParams{ItemType: "network", ID: "9"})
	require.NoError(t, err)
	assert.Equal(t, MessageType("worker_details_request"), req.Type)
	assert.Equal(t, CmdDetails, req.Command())
	assert.JSONEq(t, `{"itemType":"network","id":"9"}`, string(req.Params))
}
