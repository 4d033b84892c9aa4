package fluxpipe

import (
	enginepkg "github.com/fluxpipe/fluxpipe/internal/engine"
	configpkg "github.com/fluxpipe/fluxpipe/internal/engine/config"
	errspkg "github.com/fluxpipe/fluxpipe/internal/engine/errors"
	idspkg "github.com/fluxpipe/fluxpipe/internal/engine/ids"
	jsoncodec "github.com/fluxpipe/fluxpipe/internal/engine/jsoncodec"
	loggingpkg "github.com/fluxpipe/fluxpipe/internal/engine/logging"
)

type (
	Config       = configpkg.Config
	Engine       = enginepkg.Engine
	Dependencies = enginepkg.Dependencies

	Event               = enginepkg.Event
	EventContext        = enginepkg.EventContext
	ProcessingCostClass = enginepkg.ProcessingCostClass

	Stage           = enginepkg.Stage
	StageFunc       = enginepkg.StageFunc
	PipelineFunc    = enginepkg.PipelineFunc
	PipelineBuilder = enginepkg.PipelineBuilder

	BoundedSink = enginepkg.BoundedSink
	SinkFactory = enginepkg.SinkFactory
	SinkPool    = enginepkg.SinkPool

	SchedulerSet       = enginepkg.SchedulerSet
	ProactorDispatcher = enginepkg.ProactorDispatcher
	Executor           = enginepkg.Executor
	PoolProvider       = enginepkg.PoolProvider

	PolicyChain             = enginepkg.PolicyChain
	PolicyStep              = enginepkg.PolicyStep
	CompletionHandle        = enginepkg.CompletionHandle
	OperationExecFunc       = enginepkg.OperationExecFunc
	ParametersProcessorFunc = enginepkg.ParametersProcessorFunc
	ParametersTransformer   = enginepkg.ParametersTransformer
	InvocationError         = enginepkg.InvocationError
	RetryPolicyConfig       = enginepkg.RetryPolicyConfig

	Metrics = enginepkg.Metrics

	LogFields               = loggingpkg.LogFields
	ServiceLogger           = loggingpkg.ServiceLogger
	ConfigValidationError   = errspkg.ConfigValidationError
	DisposeInterruptedError = errspkg.DisposeInterruptedError
)

// Processing cost classes attached to pipeline stages.
const (
	CostLight        = enginepkg.CostLight
	CostBlocking     = enginepkg.CostBlocking
	CostCPUIntensive = enginepkg.CostCPUIntensive
)

var (
	NewEngine      = enginepkg.NewEngine
	ValidateConfig = configpkg.ValidateConfig

	NewEvent        = enginepkg.NewEvent
	NewEventContext = enginepkg.NewEventContext
	QuickCopy       = enginepkg.QuickCopy

	NewBoundedSink           = enginepkg.NewBoundedSink
	NewSinkPool              = enginepkg.NewSinkPool
	NewSchedulerSet          = enginepkg.NewSchedulerSet
	NewProactorDispatcher    = enginepkg.NewProactorDispatcher
	NewGoroutinePoolProvider = enginepkg.NewGoroutinePoolProvider

	NewPolicyChain               = enginepkg.NewPolicyChain
	NewJSONParametersTransformer = enginepkg.NewJSONParametersTransformer
	NewMetrics                   = enginepkg.NewMetrics

	// Built-in policy steps, composable in any order.
	CorrelationPolicy = enginepkg.CorrelationPolicy
	LoggingPolicy     = enginepkg.LoggingPolicy
	TracingPolicy     = enginepkg.TracingPolicy
	RetryPolicy       = enginepkg.RetryPolicy
	ValidationPolicy  = enginepkg.ValidationPolicy

	// Ambient context helpers used for dispatch attribution.
	ContextWithEventID = enginepkg.ContextWithEventID
	EventIDFromContext = enginepkg.EventIDFromContext

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWatermillAdapter       = loggingpkg.NewWatermillAdapter

	CreateULID = idspkg.CreateULID

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrSinkUnavailable      = errspkg.ErrSinkUnavailable
	ErrChainTerminated      = errspkg.ErrChainTerminated
	ErrExecutorShutdown     = errspkg.ErrExecutorShutdown
	ErrPipelineRequired     = errspkg.ErrPipelineRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrOperationRequired    = errspkg.ErrOperationRequired
	ErrPoolProviderRequired = errspkg.ErrPoolProviderRequired
)

// MetadataKeyCorrelationID is the metadata field guaranteed by the built-in
// correlation policy.
const MetadataKeyCorrelationID = enginepkg.MetadataKeyCorrelationID
