package metricflow

import (
	"context"

	runtimepkg "github.com/drblury/metricflow/internal/runtime"
	configpkg "github.com/drblury/metricflow/internal/runtime/config"
	"github.com/drblury/metricflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/metricflow/internal/runtime/errors"
	idspkg "github.com/drblury/metricflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/metricflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/metricflow/internal/runtime/logging"
	"github.com/drblury/metricflow/internal/runtime/routing"
	"github.com/drblury/metricflow/internal/runtime/server"
	"github.com/drblury/metricflow/metric"
	"github.com/drblury/metricflow/processor"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	MetricType = metric.Type
	Request    = metric.Request
	Response   = metric.Response
	Status     = metric.Status
	Decoder    = metric.Decoder

	Processor         = processor.Processor
	ProcessorFunc     = processor.Func
	ProcessorBuilder  = processor.Builder
	ProcessorConfig   = processor.Config
	ProcessorRegistry = processor.Registry

	Table   = routing.Table
	Binding = routing.Binding

	Engine         = dispatch.Engine
	EngineOptions  = dispatch.Options
	ResponseWriter = dispatch.ResponseWriter
	ProcessorHooks = dispatch.Hooks
	Invocation     = dispatch.Invocation
	DispatchStats  = dispatch.Stats

	ConnectionHooks    = server.Hooks
	ConnInfo           = server.ConnInfo
	ConnStats          = server.ConnStats
	ConnectionRegistry = server.ConnectionRegistry

	LogFields     = loggingpkg.LogFields
	LogOptions    = loggingpkg.Options
	ServiceLogger = loggingpkg.ServiceLogger

	ProcessorInstantiationError = errspkg.ProcessorInstantiationError
	ShutdownError               = errspkg.ShutdownError
	ProcessorPanicError         = errspkg.ProcessorPanicError
)

const (
	FlowSystem = metric.FlowSystem
	FlowUser   = metric.FlowUser
	System     = metric.System

	StatusSuccess = metric.StatusSuccess
	StatusFailed  = metric.StatusFailed
	StatusInvalid = metric.StatusInvalid
)

var (
	NewService     = runtimepkg.NewService
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	ApplyEnv       = configpkg.ApplyEnv
	ValidateConfig = configpkg.ValidateConfig

	NewDecoder     = metric.NewDecoder
	EncodeRequest  = metric.EncodeRequest
	EncodeResponse = metric.EncodeResponse
	DecodeResponse = metric.DecodeResponse

	RegisterProcessor        = processor.Register
	BuildProcessor           = processor.Build
	NewProcessorRegistry     = processor.NewRegistry
	FromFunc                 = processor.FromFunc
	DefaultProcessorRegistry = processor.DefaultRegistry

	NewEngine    = dispatch.NewEngine
	LoggingHooks = dispatch.LoggingHooks

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrProcessorRequired     = errspkg.ErrProcessorRequired
	ErrProcessorNameRequired = errspkg.ErrProcessorNameRequired
	ErrUnknownProcessor      = errspkg.ErrUnknownProcessor
	ErrProcessorTimeout      = errspkg.ErrProcessorTimeout
	ErrProcessorClosed       = errspkg.ErrProcessorClosed
	ErrServerClosed          = errspkg.ErrServerClosed
	ErrInvalidFrame          = errspkg.ErrInvalidFrame

	NewLogger            = loggingpkg.New
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	CreateULID = idspkg.CreateULID
)

// NewTable builds the routing table described by cfg using the default processor
// registry and cfg for processor settings.
func NewTable(ctx context.Context, cfg *Config, log ServiceLogger) (*Table, error) {
	if cfg == nil {
		return nil, ErrConfigRequired
	}
	wmLogger := loggingpkg.NewWatermillAdapter(loggingpkg.OrDiscard(log))
	return routing.Build(ctx, routing.Options{
		DefaultProcessor:         cfg.DefaultProcessor,
		SystemPlugins:            cfg.SystemPlugins,
		FlowSystemPlugins:        cfg.FlowSystemPlugins,
		FlowUserPlugins:          cfg.FlowUserPlugins,
		CustomPlugins:            cfg.CustomPlugins,
		CorrectFlowSystemBinding: cfg.CorrectFlowSystemBinding,
		Factory: func(ctx context.Context, name string) (Processor, error) {
			return processor.Build(ctx, name, cfg, wmLogger)
		},
		Logger: log,
	})
}
