package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/viant/jsonrpc"
)

func TestAsRPCError(t *testing.T) {
	testCases := []struct {
		description string
		err         error
		code        int
	}{
		{description: "crash", err: ErrUpstreamCrashed, code: UpstreamCrashed},
		{description: "wrapped timeout", err: fmt.Errorf("request 7: %w", ErrRequestTimeout), code: RequestTimeout},
		{description: "saturation", err: ErrOutboundSaturation, code: OutboundSaturation},
		{description: "exhausted", err: ErrRestartExhausted, code: UpstreamUnavailable},
		{description: "cancelled", err: ErrRequestCancelled, code: RequestCancelled},
		{description: "closing", err: ErrSessionClosing, code: SessionClosing},
	}
	for _, testCase := range testCases {
		actual := AsRPCError(testCase.err)
		if !assert.NotNil(t, actual, testCase.description) {
			continue
		}
		assert.EqualValues(t, testCase.code, actual.Code, testCase.description)
	}
	assert.Nil(t, AsRPCError(nil))

	custom := jsonrpc.NewError(-1, "custom", nil)
	assert.Same(t, custom, AsRPCError(fmt.Errorf("wrapped: %w", custom)))
	assert.NotNil(t, AsRPCError(errors.New("other")))
}
