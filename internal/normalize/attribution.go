package normalize

import (
	"fmt"
	"sort"

	"github.com/cockroachdb/apd/v3"
)

// AttributionMethod documents how conversion metrics are made comparable
// across sources with different native attribution windows. Linear scaling
// assumes conversions are uniformly distributed over the window; it is an
// approximation, not an exact re-attribution, and every resolved fact row
// carries this marker.
const AttributionMethod = "linear-window-scaling"

// normalizedPlaces is the decimal exponent rescaled values are quantized to,
// so repeated runs produce byte-identical normalized metrics.
const normalizedPlaces = -6

var apdCtx = apd.BaseContext.WithPrecision(34)

// WindowConfig configures the attribution window normalizer.
type WindowConfig struct {
	// CanonicalDays is the window every conversion metric is rescaled to.
	CanonicalDays int
	// DefaultDays is used for sources absent from PerSourceDays when the
	// observation itself carries no window. Zero falls back to CanonicalDays.
	DefaultDays int
	// PerSourceDays maps source identifiers to their native window length.
	PerSourceDays map[string]int
	// ConversionMetrics names the metrics subject to rescaling; all other
	// metrics pass through unchanged.
	ConversionMetrics []string
}

// WindowNormalizer rescales conversion-type metrics from a source's native
// attribution window to the canonical one via linear proportion.
type WindowNormalizer struct {
	canonicalDays int
	defaultDays   int
	perSource     map[string]int
	conversion    map[string]struct{}
}

// NewWindowNormalizer creates a normalizer from the given configuration.
func NewWindowNormalizer(cfg WindowConfig) *WindowNormalizer {
	canonical := cfg.CanonicalDays
	if canonical <= 0 {
		canonical = 7
	}
	fallback := cfg.DefaultDays
	if fallback <= 0 {
		fallback = canonical
	}

	perSource := make(map[string]int, len(cfg.PerSourceDays))
	for source, days := range cfg.PerSourceDays {
		if days > 0 {
			perSource[source] = days
		}
	}

	conversion := make(map[string]struct{}, len(cfg.ConversionMetrics))
	for _, name := range cfg.ConversionMetrics {
		conversion[name] = struct{}{}
	}

	return &WindowNormalizer{
		canonicalDays: canonical,
		defaultDays:   fallback,
		perSource:     perSource,
		conversion:    conversion,
	}
}

// CanonicalDays returns the canonical attribution window length.
func (w *WindowNormalizer) CanonicalDays() int {
	return w.canonicalDays
}

// NativeWindow resolves the native window for an observation: the row's own
// window when set, then the per-source mapping, then the default. The second
// return value reports whether the default had to be used.
func (w *WindowNormalizer) NativeWindow(sourceID string, rowDays int) (int, bool) {
	if rowDays > 0 {
		return rowDays, false
	}
	if days, ok := w.perSource[sourceID]; ok {
		return days, false
	}
	return w.defaultDays, true
}

// Rescale converts a single metric value from the native window to the
// canonical one: value * canonical / native, computed in decimals so the
// result is reproducible across runs. A native window equal to the canonical
// window returns the input unchanged.
func (w *WindowNormalizer) Rescale(value float64, nativeDays int) float64 {
	if nativeDays <= 0 {
		nativeDays = w.defaultDays
	}
	if nativeDays == w.canonicalDays {
		return value
	}

	var v, canonical, native, out apd.Decimal
	if _, err := v.SetFloat64(value); err != nil {
		return value
	}
	canonical.SetInt64(int64(w.canonicalDays))
	native.SetInt64(int64(nativeDays))

	if _, err := apdCtx.Mul(&out, &v, &canonical); err != nil {
		return value
	}
	if _, err := apdCtx.Quo(&out, &out, &native); err != nil {
		return value
	}
	if _, err := apdCtx.Quantize(&out, &out, normalizedPlaces); err != nil {
		return value
	}

	f, err := out.Float64()
	if err != nil {
		return value
	}
	return f
}

// NormalizeMetrics returns a copy of the metric map with every configured
// conversion metric rescaled to the canonical window. Unknown sources fall
// back to the default window and are reported as warnings.
func (w *WindowNormalizer) NormalizeMetrics(sourceID string, rowDays int, metrics map[string]float64) (map[string]float64, []string) {
	nativeDays, defaulted := w.NativeWindow(sourceID, rowDays)

	var warnings []string
	if defaulted {
		warnings = append(warnings, fmt.Sprintf("source %s has no configured attribution window, using default of %d days", sourceID, w.defaultDays))
	}

	normalized := make(map[string]float64, len(metrics))
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := metrics[name]
		if _, ok := w.conversion[name]; ok {
			normalized[name] = w.Rescale(value, nativeDays)
		} else {
			normalized[name] = value
		}
	}

	return normalized, warnings
}
