package transfer

import (
	"context"
	"io"

	"github.com/italolelis/rangeload/internal/telemetry"
)

// InstrumentedTransport wraps a Transport with telemetry.
type InstrumentedTransport struct {
	transport Transport
	telemetry *telemetry.Telemetry
	name      string
}

// NewInstrumentedTransport wraps transport, labelling its metrics with name.
func NewInstrumentedTransport(transport Transport, tel *telemetry.Telemetry, name string) *InstrumentedTransport {
	return &InstrumentedTransport{
		transport: transport,
		telemetry: tel,
		name:      name,
	}
}

func (t *InstrumentedTransport) Probe(ctx context.Context, res Resource) (Probe, error) {
	var result Probe

	err := t.telemetry.InstrumentTransportOperation(ctx, t.name, "probe", func(ctx context.Context) error {
		var err error
		result, err = t.transport.Probe(ctx, res)

		return err
	})

	return result, err
}

// OpenRange only times the request; reading the body is accounted for by the engine.
func (t *InstrumentedTransport) OpenRange(ctx context.Context, res Resource, start, end int64) (io.ReadCloser, error) {
	var result io.ReadCloser

	err := t.telemetry.InstrumentTransportOperation(ctx, t.name, "open_range", func(ctx context.Context) error {
		var err error
		result, err = t.transport.OpenRange(ctx, res, start, end)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (t *InstrumentedTransport) CreateRange(ctx context.Context, res Resource, start, end int64) (io.WriteCloser, error) {
	var result io.WriteCloser

	err := t.telemetry.InstrumentTransportOperation(ctx, t.name, "create_range", func(ctx context.Context) error {
		var err error
		result, err = t.transport.CreateRange(ctx, res, start, end)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
