package application

import (
	"context"
	"fmt"

	"plughub/internal/domain"
)

// Router dispatches control and state calls to a per-brand driver, falling
// back to a default driver (normally the backend API).
type Router struct {
	fallback Driver
	byBrand  map[domain.Brand]Driver
}

func NewRouter(fallback Driver) *Router {
	return &Router{
		fallback: fallback,
		byBrand:  make(map[domain.Brand]Driver),
	}
}

// Route overrides the driver for one brand. It is not safe to call once the
// router is in use.
func (r *Router) Route(brand domain.Brand, driver Driver) {
	r.byBrand[brand] = driver
}

func (r *Router) driver(brand domain.Brand) (Driver, error) {
	if d, ok := r.byBrand[brand]; ok {
		return d, nil
	}
	if r.fallback == nil {
		return nil, fmt.Errorf("no driver for brand %q", brand)
	}
	return r.fallback, nil
}

func (r *Router) DeviceOn(ctx context.Context, idOrIP string, opts domain.QueryOptions) error {
	d, err := r.driver(opts.Brand)
	if err != nil {
		return err
	}
	return d.DeviceOn(ctx, idOrIP, opts)
}

func (r *Router) DeviceOff(ctx context.Context, idOrIP string, opts domain.QueryOptions) error {
	d, err := r.driver(opts.Brand)
	if err != nil {
		return err
	}
	return d.DeviceOff(ctx, idOrIP, opts)
}

func (r *Router) GetDeviceState(ctx context.Context, idOrIP string, opts domain.QueryOptions) (domain.Reading, error) {
	d, err := r.driver(opts.Brand)
	if err != nil {
		return domain.Reading{}, err
	}
	return d.GetDeviceState(ctx, idOrIP, opts)
}
