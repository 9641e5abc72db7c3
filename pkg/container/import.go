package container

import (
	"context"
	"errors"
)

// ImportOptions controls a single-layer import
type ImportOptions struct {
	// FallbackCRS is assigned to source layers that declare no CRS. When
	// undefined, such layers are rejected with ErrUndefinedProjection.
	FallbackCRS CRS
}

// Import copies one layer from src into dst under dstLayer (srcLayer when
// empty), replacing any existing layer of that name. The source CRS is kept.
// It returns the number of features written.
func Import(ctx context.Context, dst Container, src Source, srcLayer, dstLayer string, opts ImportOptions) (int, error) {
	if dstLayer == "" {
		dstLayer = srcLayer
	}

	layer, err := src.ReadLayer(ctx, srcLayer)
	if err != nil {
		return 0, err
	}

	if !layer.CRS.Defined() {
		if !opts.FallbackCRS.Defined() {
			return 0, newError(KindUndefinedProjection, "import", src.Path(), srcLayer,
				errors.New("source declares no coordinate reference system"))
		}
		layer.CRS = opts.FallbackCRS
	}

	out := layer
	if dstLayer != layer.Name {
		out = layer.Clone(dstLayer)
	}
	if err := dst.WriteLayer(ctx, out); err != nil {
		return 0, err
	}
	return out.Len(), nil
}
