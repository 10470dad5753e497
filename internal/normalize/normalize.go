package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"tallysync/internal/config"
	"tallysync/internal/model"
)

var (
	ErrNotObject    = errors.New("payload is not a JSON object")
	ErrInvalidValue = errors.New("invalid metric value")
)

type Payload struct {
	// Source is the value of the configured source field, empty when absent.
	Source   string
	Counters model.Counters
}

type Decoder struct {
	metrics     []string
	derived     map[string][]string
	sourceField string
}

func NewDecoder(schema config.SchemaConfig, sourceField string) *Decoder {
	d := &Decoder{
		metrics:     append([]string(nil), schema.Metrics...),
		derived:     make(map[string][]string, len(schema.Derived)),
		sourceField: sourceField,
	}
	for _, dm := range schema.Derived {
		d.derived[dm.Name] = append([]string(nil), dm.Sum...)
	}
	return d
}

func (d *Decoder) Decode(data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	if obj == nil {
		return Payload{}, ErrNotObject
	}
	return d.DecodeMap(obj)
}

func (d *Decoder) DecodeMap(obj map[string]any) (Payload, error) {
	out := Payload{Counters: make(model.Counters, len(d.metrics))}
	if d.sourceField != "" {
		if v, ok := obj[d.sourceField].(string); ok {
			out.Source = strings.TrimSpace(v)
		}
	}
	for _, metric := range d.metrics {
		value, err := d.metricValue(obj, metric)
		if err != nil {
			return Payload{}, err
		}
		out.Counters[metric] = value
	}
	return out, nil
}

func (d *Decoder) metricValue(obj map[string]any, metric string) (int64, error) {
	if raw, ok := obj[metric]; ok {
		return ParseCount(metric, raw)
	}
	parts, ok := d.derived[metric]
	if !ok {
		return 0, nil
	}
	var sum int64
	for _, part := range parts {
		raw, ok := obj[part]
		if !ok {
			continue
		}
		v, err := ParseCount(part, raw)
		if err != nil {
			return 0, err
		}
		sum += v
	}
	return sum, nil
}

func ParseCount(name string, raw any) (int64, error) {
	var (
		v   int64
		err error
	)
	switch x := raw.(type) {
	case json.Number:
		v, err = x.Int64()
	case float64:
		if x != math.Trunc(x) || x > math.MaxInt64 {
			err = errors.New("not an integer")
		}
		v = int64(x)
	case string:
		v, err = strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	case nil:
		return 0, nil
	default:
		err = fmt.Errorf("unexpected %T", raw)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%v: %v", ErrInvalidValue, name, raw, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%w: %s=%d is negative", ErrInvalidValue, name, v)
	}
	return v, nil
}
