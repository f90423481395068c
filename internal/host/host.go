package host

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/dshills/nbkernel/internal/kernel/kernelspec"
)

// Envelope channels.
const (
	ChannelKernelSpecsRequest = "kernel_specs_request"
	ChannelKernelSpecsReply   = "kernel_specs_reply"
	ChannelPing               = "ping:kernel"
)

// Envelope is one message exchanged with the host.
type Envelope struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client is the host collaborator used by the launch orchestrator.
type Client interface {
	// KernelSpecs returns every kernel spec the host knows, by name.
	KernelSpecs(ctx context.Context) (kernelspec.Specs, error)

	// Ping tells the host a launch of spec has begun. It is diagnostic
	// only.
	Ping(ctx context.Context, spec kernelspec.Spec) error
}

// Registry is the source of kernel specs behind Local and Serve.
type Registry interface {
	Specs() (kernelspec.Specs, error)
}

// Local is a Client backed by an in-process registry.
type Local struct {
	registry Registry
	logger   *zap.Logger
}

// NewLocal creates a Local client. A nil logger discards pings.
func NewLocal(registry Registry, logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{registry: registry, logger: logger}
}

// KernelSpecs returns the registry's specs.
func (l *Local) KernelSpecs(ctx context.Context) (kernelspec.Specs, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.registry.Specs()
}

// Ping logs the launch.
func (l *Local) Ping(_ context.Context, spec kernelspec.Spec) error {
	l.logger.Debug("kernel launch ping", zap.String("kernel", spec.Name), zap.String("language", spec.Language))
	return nil
}
