package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/paulmach/orb/geojson"

	"github.com/psantana5/hazardsync/internal/runner"
	"github.com/psantana5/hazardsync/pkg/container"
)

const maxPages = 10000

// FeatureServiceParams configures a feature_service task
type FeatureServiceParams struct {
	// URL is the layer endpoint, e.g. .../FeatureServer/0
	URL            string   `yaml:"url"`
	Layer          string   `yaml:"layer"`
	Where          string   `yaml:"where"`
	OutSR          int      `yaml:"out_sr"`
	PageSize       int      `yaml:"page_size"`
	ExpectedFields []string `yaml:"expected_fields"`
}

func (fp *FeatureServiceParams) setDefaults() {
	if fp.Where == "" {
		fp.Where = "1=1"
	}
	if fp.OutSR == 0 {
		fp.OutSR = 3857
	}
	if fp.PageSize <= 0 {
		fp.PageSize = 1000
	}
}

func newFeatureService(deps Deps) Factory {
	return func(params map[string]any) (runner.Plugin, error) {
		var fp FeatureServiceParams
		if err := decode(params, &fp); err != nil {
			return nil, err
		}
		if fp.URL == "" || fp.Layer == "" {
			return nil, errors.New("url and layer are required")
		}
		if _, err := url.Parse(fp.URL); err != nil {
			return nil, fmt.Errorf("invalid url: %w", err)
		}
		fp.setDefaults()

		return func(ctx context.Context, p runner.Params) runner.Result {
			return fp.run(ctx, deps, p)
		}, nil
	}
}

func (fp FeatureServiceParams) queryURL(offset int) string {
	q := url.Values{}
	q.Set("f", "geojson")
	q.Set("where", fp.Where)
	q.Set("outFields", "*")
	q.Set("returnGeometry", "true")
	q.Set("outSR", strconv.Itoa(fp.OutSR))
	q.Set("resultOffset", strconv.Itoa(offset))
	q.Set("resultRecordCount", strconv.Itoa(fp.PageSize))
	return strings.TrimRight(fp.URL, "/") + "/query?" + q.Encode()
}

func (fp FeatureServiceParams) run(ctx context.Context, deps Deps, p runner.Params) runner.Result {
	log := logger(p)
	log.Infof("Querying %s", fp.URL)

	layer := container.NewLayer(fp.Layer, container.EPSG(fp.OutSR))
	offset, pages := 0, 0
	for {
		if pages >= maxPages {
			return runner.Failf("feature service did not finish paging after %d pages", maxPages)
		}
		data, err := deps.getBytes(ctx, log, fp.queryURL(offset))
		if err != nil {
			return runner.Fail(err)
		}
		fc, more, err := parseServicePage(data)
		if err != nil {
			return runner.Fail(err)
		}
		pages++
		layer.Features.Features = append(layer.Features.Features, fc.Features...)
		if !more || len(fc.Features) == 0 {
			break
		}
		offset += len(fc.Features)
	}
	log.Infof("Downloaded %d feature(s) in %d page(s)", layer.Len(), pages)
	if layer.Len() == 0 {
		return runner.None()
	}

	if missing := missingFields(layer, fp.ExpectedFields); len(missing) > 0 {
		return runner.Failf("%d Missing Fields in Input Data: %s", len(missing), strings.Join(missing, ", "))
	}

	if p.Destination == "" {
		return runner.Failf("no destination container")
	}
	dst, err := container.Open(p.Destination, p.Capabilities)
	if err != nil {
		return runner.Fail(err)
	}
	defer dst.Close()
	if err := dst.WriteLayer(ctx, layer); err != nil {
		return runner.Fail(err)
	}
	return runner.Ok([]string{fp.Layer})
}

type serviceError struct {
	Error *struct {
		Code    int      `json:"code"`
		Message string   `json:"message"`
		Details []string `json:"details"`
	} `json:"error"`
}

// parseServicePage decodes one query page and reports whether the service
// truncated it
func parseServicePage(data []byte) (*geojson.FeatureCollection, bool, error) {
	var se serviceError
	if err := json.Unmarshal(data, &se); err == nil && se.Error != nil {
		msg := se.Error.Message
		if len(se.Error.Details) > 0 {
			msg += ": " + strings.Join(se.Error.Details, "; ")
		}
		return nil, false, fmt.Errorf("feature service error %d: %s", se.Error.Code, msg)
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, false, fmt.Errorf("invalid GeoJSON page: %w", err)
	}
	more := exceeded(fc.ExtraMembers["exceededTransferLimit"])
	if props, ok := fc.ExtraMembers["properties"].(map[string]interface{}); ok && !more {
		more = exceeded(props["exceededTransferLimit"])
	}
	return fc, more, nil
}

func exceeded(v interface{}) bool {
	b, ok := v.(bool)
	return ok && b
}
