package isolation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/GriffinCanCode/attachproc/internal/channel"
	"github.com/GriffinCanCode/attachproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/attachproc/internal/types"
)

func TestFramesAfterCallEndAreDropped(t *testing.T) {
	h := &Host{logger: logging.Nop()}

	var got []int
	sink := newCallSink(func(p int) { got = append(got, p) }, types.DiscardMessages)
	h.setSink(sink)

	assert.NoError(t, h.handleEvent(channel.Progress(10)))
	h.endCall(sink)
	assert.Nil(t, h.currentSink())

	assert.NoError(t, h.handleEvent(channel.Progress(20)))
	// A reader that fetched the sink before the call ended.
	assert.False(t, sink.deliver(channel.Progress(30)))

	assert.Equal(t, []int{10}, got)
}

func TestEndCallKeepsNewerSink(t *testing.T) {
	h := &Host{logger: logging.Nop()}

	old := newCallSink(nil, types.DiscardMessages)
	next := newCallSink(nil, types.DiscardMessages)
	h.setSink(next)
	h.endCall(old)

	assert.Same(t, next, h.currentSink())
	assert.True(t, next.deliver(channel.ProcessLog(types.LevelInformational, "still routed")))
}
