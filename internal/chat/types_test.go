package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusStreaming.IsTerminal())
	assert.True(t, StatusComplete.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
}

func TestModelSlot_CanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusStreaming, true},
		{StatusPending, StatusComplete, true},
		{StatusPending, StatusFailed, true},
		{StatusStreaming, StatusStreaming, true},
		{StatusStreaming, StatusComplete, true},
		{StatusStreaming, StatusPending, false},
		{StatusComplete, StatusFailed, false},
		{StatusComplete, StatusComplete, false},
		{StatusFailed, StatusStreaming, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			s := ModelSlot{Status: tt.from}
			assert.Equal(t, tt.want, s.CanTransition(tt.to))
		})
	}
}

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		max     int
		wantErr bool
	}{
		{name: "single model", req: Request{Prompt: "hi", Models: []string{"m1"}}},
		{name: "consensus", req: Request{Prompt: "hi", Models: []string{"m1", "m2", "m3"}}},
		{name: "no models", req: Request{Prompt: "hi"}, wantErr: true},
		{name: "blank model", req: Request{Prompt: "hi", Models: []string{"m1", " "}}, wantErr: true},
		{name: "no prompt", req: Request{Models: []string{"m1"}}, wantErr: true},
		{name: "attachment only", req: Request{Models: []string{"m1"}, Attachments: []Attachment{{ID: "a"}}}},
		{name: "over limit", req: Request{Prompt: "hi", Models: []string{"a", "b", "c"}}, max: 2, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate(tt.max)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, KindInvalidRequest, KindOf(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestModelString_RoundTrip(t *testing.T) {
	assert.Equal(t, "openai/o3-mini", ModelString([]string{"openai/o3-mini"}))
	assert.Equal(t, "consensus:m1,m2", ModelString([]string{"m1", "m2"}))

	models, consensus := ParseModelString("consensus:m1,m2")
	assert.True(t, consensus)
	assert.Equal(t, []string{"m1", "m2"}, models)

	models, consensus = ParseModelString("m1")
	assert.False(t, consensus)
	assert.Equal(t, []string{"m1"}, models)

	models, consensus = ParseModelString("consensus:")
	assert.True(t, consensus)
	assert.Empty(t, models)
}

func TestAggregateResult_IsACopy(t *testing.T) {
	slots := []ModelSlot{{Model: "m1", Content: "A", Status: StatusComplete}}
	res := NewAggregateResult(slots)
	slots[0].Content = "mutated"

	got := res.Slots()
	assert.Equal(t, "A", got[0].Content)
	got[0].Content = "also mutated"
	assert.Equal(t, "A", res.Slots()[0].Content)
}

func TestAggregateResult_Responses(t *testing.T) {
	res := NewAggregateResult([]ModelSlot{
		{Model: "m1", Content: "A", Status: StatusComplete, Elapsed: 1500 * time.Millisecond},
		{Model: "m2", Status: StatusFailed, Err: E(KindInvocationTimeout, "invoke m2", context.DeadlineExceeded), Elapsed: 2 * time.Second},
	})

	rs := res.Responses()
	require.Len(t, rs, 2)
	assert.Equal(t, ConsensusResponse{Model: "m1", Content: "A", ResponseTime: 1500}, rs[0])
	assert.Equal(t, "m2", rs[1].Model)
	assert.Equal(t, "invocation_timeout", rs[1].ErrorKind)
	assert.NotEmpty(t, rs[1].Error)
	assert.True(t, res.HasContent())
	assert.False(t, res.AllFailed())
	assert.Equal(t, "A", res.Text())
	assert.Equal(t, EncodeResponses(rs), res.EncodedResponses())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(nil))
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, KindInvocationTimeout, KindOf(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindOperationCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindPersistenceFailure, KindOf(fmt.Errorf("store: %w", E(KindPersistenceFailure, "create message", errors.New("disk full")))))
}

func TestError_IsSentinel(t *testing.T) {
	err := fmt.Errorf("service: %w", E(KindUnauthorized, "get conversation", errors.New("owner mismatch")))
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: KindInvocationRejected, Op: "invoke m1", StatusCode: 429, Err: errors.New("rate limited")}
	assert.Equal(t, "invoke m1: status 429: rate limited", err.Error())
	assert.Equal(t, http.StatusBadGateway, err.Kind.HTTPStatus())
	assert.Equal(t, "unauthorized", (&Error{Kind: KindUnauthorized}).Error())
}

func TestParseKind(t *testing.T) {
	for k := KindInvocationTimeout; k <= KindInvalidRequest; k++ {
		assert.Equal(t, k, ParseKind(k.String()))
	}
	assert.Equal(t, KindUnknown, ParseKind("bogus"))
	assert.Equal(t, KindUnknown, ParseKind(""))
}
