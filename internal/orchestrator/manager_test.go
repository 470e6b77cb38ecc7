package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/attachproc/internal/coverage"
	"github.com/GriffinCanCode/attachproc/internal/orchestrator"
	"github.com/GriffinCanCode/attachproc/internal/processor"
	"github.com/GriffinCanCode/attachproc/internal/types"
	"github.com/GriffinCanCode/attachproc/tests/helpers/testutil"
)

const customURI = "datacollector://x/Custom"

func newManager(t *testing.T, loader processor.Loader, fallback types.Processor, tel orchestrator.Telemetry) *orchestrator.Manager {
	t.Helper()
	if loader == nil {
		loader = new(testutil.MockLoader)
	}
	if fallback == nil {
		fallback = testutil.NewMockProcessor(t, coverage.URI)
	}
	factory := processor.NewFactory(loader, func() types.Processor { return fallback }, nil)
	return orchestrator.NewManager(factory, orchestrator.Config{Telemetry: tel})
}

func customLoader(p types.Processor) *testutil.MockLoader {
	loader := new(testutil.MockLoader)
	loader.On("TryLoad", mock.Anything, mock.Anything, mock.Anything).
		Return(processor.Loaded{FriendlyName: "Custom", Identity: "custom.Processor", Processor: p}, nil)
	return loader
}

func customCollectors() []types.InvokedCollector {
	return []types.InvokedCollector{testutil.Collector(customURI, "Custom", "Custom", "/ext/custom")}
}

func TestEmptyInputCompletes(t *testing.T) {
	loader := new(testutil.MockLoader)
	rec := testutil.NewEventRecorder()

	out := newManager(t, loader, nil, nil).ProcessTestRunAttachments(context.Background(), orchestrator.Request{
		InvokedCollectors: customCollectors(),
	}, rec)

	assert.Equal(t, types.StateCompleted, out.State)
	assert.Empty(t, out.Attachments)
	assert.NoError(t, out.Err)
	loader.AssertNotCalled(t, "TryLoad", mock.Anything, mock.Anything, mock.Anything)

	_, completions := rec.Snapshot()
	require.Len(t, completions, 1)
	assert.False(t, completions[0].IsCanceled)
}

func TestUnclaimedAttachmentsPassThrough(t *testing.T) {
	fallback := testutil.NewMockProcessor(t, coverage.URI)
	inputs := []types.AttachmentSet{
		testutil.Set("datacollector://x/Other", "file:///tmp/a.log"),
		testutil.Set("datacollector://x/Third", "file:///tmp/b.log"),
	}

	out := newManager(t, nil, fallback, nil).ProcessTestRunAttachments(context.Background(), orchestrator.Request{Attachments: inputs}, nil)

	assert.Equal(t, types.StateCompleted, out.State)
	assert.ElementsMatch(t, inputs, out.Attachments)
	fallback.AssertNotCalled(t, "ProcessAttachmentSets", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 0, out.Metrics[types.MetricProcessorsInvoked])
}

func TestProcessorResultsReplaceMatchedSets(t *testing.T) {
	p := testutil.NewMockProcessor(t, customURI)
	merged := testutil.Set(customURI, "file:///tmp/merged.dat")
	p.On("ProcessAttachmentSets", mock.Anything, "", mock.Anything, mock.Anything, mock.Anything).
		Return([]types.AttachmentSet{merged}, nil).Once()

	other := testutil.Set("datacollector://x/Other", "file:///tmp/o.log")
	inputs := []types.AttachmentSet{
		testutil.Set(customURI, "file:///tmp/1.dat"),
		other,
		testutil.Set(customURI, "file:///tmp/2.dat"),
	}

	tel := testutil.NewMockTelemetry(t)
	out := newManager(t, customLoader(p), nil, tel).ProcessTestRunAttachments(context.Background(), orchestrator.Request{
		Attachments:       inputs,
		InvokedCollectors: customCollectors(),
	}, nil)

	require.Equal(t, types.StateCompleted, out.State)
	assert.Equal(t, []types.AttachmentSet{other, merged}, out.Attachments)

	call := p.Calls[len(p.Calls)-1]
	assert.Len(t, call.Arguments.Get(2).([]types.AttachmentSet), 2)

	assert.Equal(t, 3, out.Metrics[types.MetricAttachmentsSent])
	assert.Equal(t, 2, out.Metrics[types.MetricAttachmentsAfter])
	assert.Equal(t, string(types.StateCompleted), out.Metrics[types.MetricProcessingState])
	assert.Equal(t, 1, out.Metrics[types.MetricProcessorsInvoked])

	tel.AssertCalled(t, "ProcessingStarted")
	tel.AssertCalled(t, "ProcessingStopped", types.StateCompleted, 3, 2, mock.Anything)
	tel.AssertCalled(t, "ProcessorInvoked", "Custom", "ok", mock.Anything)
}

func TestProgressIsRelayedInOrder(t *testing.T) {
	p := testutil.NewMockProcessor(t, customURI)
	p.On("ProcessAttachmentSets", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			progress := args.Get(3).(types.ProgressFunc)
			for _, pct := range []int{10, 40, 75, 100} {
				progress(pct)
			}
		}).
		Return([]types.AttachmentSet{}, nil)

	rec := testutil.NewEventRecorder()
	newManager(t, customLoader(p), nil, nil).ProcessTestRunAttachments(context.Background(), orchestrator.Request{
		Attachments:       []types.AttachmentSet{testutil.Set(customURI, "file:///tmp/1.dat")},
		InvokedCollectors: customCollectors(),
	}, rec)

	progress, _ := rec.Snapshot()
	require.Len(t, progress, 4)
	last := 0
	for _, ev := range progress {
		assert.GreaterOrEqual(t, ev.Percent, last)
		last = ev.Percent
		assert.Equal(t, 1, ev.ProcessorIndex)
		assert.Equal(t, 2, ev.ProcessorsCount)
		assert.Equal(t, []string{customURI}, ev.ExtensionURIs)
	}
	assert.Equal(t, 100, last)
}

func TestProcessorFailureRetainsInputs(t *testing.T) {
	p := testutil.NewMockProcessor(t, customURI)
	p.On("ProcessAttachmentSets", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("disk full"))

	inputs := []types.AttachmentSet{testutil.Set(customURI, "file:///tmp/1.dat")}
	rec := testutil.NewEventRecorder()

	out := newManager(t, customLoader(p), nil, nil).ProcessTestRunAttachments(context.Background(), orchestrator.Request{
		Attachments:       inputs,
		InvokedCollectors: customCollectors(),
	}, rec)

	assert.Equal(t, types.StateFailed, out.State)
	assert.Equal(t, inputs, out.Attachments)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "disk full")

	errs := rec.MessagesAt(types.LevelError)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[len(errs)-1], "disk full")

	_, completions := rec.Snapshot()
	require.Len(t, completions, 1)
	assert.False(t, completions[0].IsCanceled)
	assert.Contains(t, completions[0].Error, "disk full")
}

func TestAlreadyCanceledReturnsInputs(t *testing.T) {
	loader := new(testutil.MockLoader)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inputs := []types.AttachmentSet{testutil.Set(customURI, "file:///tmp/1.dat")}
	rec := testutil.NewEventRecorder()
	out := newManager(t, loader, nil, nil).ProcessTestRunAttachments(ctx, orchestrator.Request{
		Attachments:       inputs,
		InvokedCollectors: customCollectors(),
	}, rec)

	assert.Equal(t, types.StateCanceled, out.State)
	assert.Equal(t, inputs, out.Attachments)
	assert.NoError(t, out.Err)
	loader.AssertNotCalled(t, "TryLoad", mock.Anything, mock.Anything, mock.Anything)

	_, completions := rec.Snapshot()
	require.Len(t, completions, 1)
	assert.True(t, completions[0].IsCanceled)
	assert.Empty(t, completions[0].Error)
}

func TestCancellationDoesNotWaitForProcessor(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	p := testutil.NewMockProcessor(t, customURI)
	p.On("ProcessAttachmentSets", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return([]types.AttachmentSet{testutil.Set(customURI, "file:///tmp/merged.dat")}, nil)

	inputs := []types.AttachmentSet{
		testutil.Set(customURI, "file:///tmp/1.dat"),
		testutil.Set(customURI, "file:///tmp/2.dat"),
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	rec := testutil.NewEventRecorder()
	m := newManager(t, customLoader(p), nil, nil)
	out := m.ProcessTestRunAttachments(ctx, orchestrator.Request{
		Attachments:       inputs,
		InvokedCollectors: customCollectors(),
	}, rec)

	assert.Equal(t, types.StateCanceled, out.State)
	assert.Equal(t, inputs, out.Attachments)
	assert.NoError(t, out.Err)

	select {
	case <-rec.Done():
	case <-time.After(time.Second):
		t.Fatal("completion not reported")
	}
	_, completions := rec.Snapshot()
	require.Len(t, completions, 1)
	assert.True(t, completions[0].IsCanceled)
	assert.Empty(t, m.Active())
}

// lateEventCounter counts events delivered after the completion event.
type lateEventCounter struct {
	mu        sync.Mutex
	completed bool
	late      int
}

func (c *lateEventCounter) HandleLogMessage(types.LogLevel, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		c.late++
	}
}

func (c *lateEventCounter) HandleProcessingProgress(types.ProgressEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		c.late++
	}
}

func (c *lateEventCounter) HandleProcessingComplete(types.CompleteEvent, []types.AttachmentSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = true
}

func TestNoEventsAfterCompletionWhenCanceled(t *testing.T) {
	for i := 0; i < 100; i++ {
		started := make(chan struct{})
		finished := make(chan struct{})

		p := testutil.NewMockProcessor(t, customURI)
		p.On("ProcessAttachmentSets", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				defer close(finished)
				ctx := args.Get(0).(context.Context)
				progress := args.Get(3).(types.ProgressFunc)
				logger := args.Get(4).(types.MessageLogger)
				close(started)
				for ctx.Err() == nil {
					progress(50)
				}
				for j := 0; j < 200; j++ {
					progress(50)
					logger.SendMessage(types.LevelInformational, "still working")
				}
			}).
			Return([]types.AttachmentSet{}, nil)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-started
			cancel()
		}()

		counter := &lateEventCounter{}
		out := newManager(t, customLoader(p), nil, nil).ProcessTestRunAttachments(ctx, orchestrator.Request{
			Attachments:       []types.AttachmentSet{testutil.Set(customURI, "file:///tmp/1.dat")},
			InvokedCollectors: customCollectors(),
		}, counter)
		<-finished

		assert.Equal(t, types.StateCanceled, out.State)
		counter.mu.Lock()
		assert.True(t, counter.completed)
		assert.Zero(t, counter.late, "run %d", i)
		counter.mu.Unlock()
	}
}

func TestCooperativeProcessorCancellationIsNotFailure(t *testing.T) {
	p := testutil.NewMockProcessor(t, customURI)
	p.On("ProcessAttachmentSets", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, context.Canceled)

	inputs := []types.AttachmentSet{testutil.Set(customURI, "file:///tmp/1.dat")}
	out := newManager(t, customLoader(p), nil, nil).ProcessTestRunAttachments(context.Background(), orchestrator.Request{
		Attachments:       inputs,
		InvokedCollectors: customCollectors(),
	}, nil)

	assert.Equal(t, types.StateCanceled, out.State)
	assert.Equal(t, inputs, out.Attachments)
}

func TestConfigurationOnlyForEnabledCollectors(t *testing.T) {
	const settings = `<RunSettings><DataCollectionRunSettings><DataCollectors>
  <DataCollector friendlyName="Custom"><Configuration><Level>3</Level></Configuration></DataCollector>
  <DataCollector friendlyName="Code Coverage" enabled="false"><Configuration><Format>xml</Format></Configuration></DataCollector>
</DataCollectors></DataCollectionRunSettings></RunSettings>`

	p := testutil.NewMockProcessor(t, customURI)
	p.On("ProcessAttachmentSets", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]types.AttachmentSet{}, nil)
	fallback := testutil.NewMockProcessor(t, coverage.URI)
	fallback.On("ProcessAttachmentSets", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]types.AttachmentSet{}, nil)

	out := newManager(t, customLoader(p), fallback, nil).ProcessTestRunAttachments(context.Background(), orchestrator.Request{
		RunSettingsXML: settings,
		Attachments: []types.AttachmentSet{
			testutil.Set(customURI, "file:///tmp/1.dat"),
			testutil.Set(coverage.URI, "file:///tmp/1.coverage"),
		},
		InvokedCollectors: customCollectors(),
	}, nil)
	require.Equal(t, types.StateCompleted, out.State)

	assert.Contains(t, p.Calls[len(p.Calls)-1].Arguments.String(1), "<Level>3</Level>")
	assert.Empty(t, fallback.Calls[len(fallback.Calls)-1].Arguments.String(1))
}

func TestNonIncrementalProcessorIsSkipped(t *testing.T) {
	p := new(testutil.MockProcessor)
	p.On("ExtensionURIs").Return([]string{customURI})
	p.On("SupportsIncrementalProcessing").Return(false)

	inputs := []types.AttachmentSet{testutil.Set(customURI, "file:///tmp/1.dat")}
	rec := testutil.NewEventRecorder()
	out := newManager(t, customLoader(p), nil, nil).ProcessTestRunAttachments(context.Background(), orchestrator.Request{
		Attachments:       inputs,
		InvokedCollectors: customCollectors(),
	}, rec)

	assert.Equal(t, types.StateCompleted, out.State)
	assert.Equal(t, inputs, out.Attachments)
	p.AssertNotCalled(t, "ProcessAttachmentSets", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.NotEmpty(t, rec.MessagesAt(types.LevelError))
}

func TestProcessorsRunInRegistrationOrder(t *testing.T) {
	var order []string

	p := testutil.NewMockProcessor(t, customURI)
	p.On("ProcessAttachmentSets", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { order = append(order, "Custom") }).
		Return([]types.AttachmentSet{}, nil)
	fallback := testutil.NewMockProcessor(t, coverage.URI)
	fallback.On("ProcessAttachmentSets", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { order = append(order, coverage.FriendlyName) }).
		Return([]types.AttachmentSet{}, nil)

	newManager(t, customLoader(p), fallback, nil).ProcessTestRunAttachments(context.Background(), orchestrator.Request{
		Attachments: []types.AttachmentSet{
			testutil.Set(coverage.URI, "file:///tmp/1.coverage"),
			testutil.Set(customURI, "file:///tmp/1.dat"),
		},
		InvokedCollectors: customCollectors(),
	}, nil)

	assert.Equal(t, []string{"Custom", coverage.FriendlyName}, order)
}
