package processor

import (
	"errors"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/attachproc/internal/infrastructure/logging"
	"github.com/GriffinCanCode/attachproc/internal/types"
)

// Loaded is a processor resolved from one collector
type Loaded struct {
	FriendlyName string
	Identity     string // processor type identity
	Processor    types.Processor
}

// Registration is one selected processor, keyed by friendly name
type Registration struct {
	FriendlyName string
	Identity     string
	Processor    types.Processor
}

// Registrations is the ordered processor list built for one run.
// Order is the iteration and progress index order.
type Registrations struct {
	items  []Registration
	logger *logging.Logger
}

// Len returns the number of registrations
func (r *Registrations) Len() int {
	if r == nil {
		return 0
	}
	return len(r.items)
}

// All returns the registrations in order
func (r *Registrations) All() []Registration {
	if r == nil {
		return nil
	}
	return append([]Registration(nil), r.items...)
}

// Names returns the friendly names in order
func (r *Registrations) Names() []string {
	names := make([]string, 0, r.Len())
	for _, reg := range r.All() {
		names = append(names, reg.FriendlyName)
	}
	return names
}

// Has reports whether a friendly name is registered
func (r *Registrations) Has(friendlyName string) bool {
	for _, reg := range r.All() {
		if reg.FriendlyName == friendlyName {
			return true
		}
	}
	return false
}

func (r *Registrations) add(reg Registration) {
	r.items = append(r.items, reg)
}

// Close releases every processor that owns resources. Release errors are
// logged and the joined error is returned for callers that care.
func (r *Registrations) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, reg := range r.items {
		if err := release(reg.Processor); err != nil {
			logging.OrNop(r.logger).Warn("failed to release attachment processor",
				zap.String("processor", reg.FriendlyName),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	r.items = nil
	return errors.Join(errs...)
}

func release(p types.Processor) error {
	if c, ok := p.(types.Closer); ok {
		return c.Close()
	}
	return nil
}
