package detectors

// DefaultWeights is the aggregation weight per detector when the operator
// does not override them.
var DefaultWeights = map[string]float64{
	"velocity": 0.35,
	"device":   0.25,
	"geo":      0.20,
	"behavior": 0.20,
}

// DefaultRegistry builds the standard roster. Entries in weights override the
// defaults per detector name; unknown names are ignored.
func DefaultRegistry(weights map[string]float64) *Registry {
	weight := func(name string) float64 {
		if w, ok := weights[name]; ok && w > 0 {
			return w
		}
		return DefaultWeights[name]
	}

	r := NewRegistry()
	r.Register(NewVelocity(VelocityConfig{}), weight("velocity"))
	r.Register(NewDevice(), weight("device"))
	r.Register(NewGeo(GeoConfig{}), weight("geo"))
	r.Register(NewBehavior(), weight("behavior"))
	return r
}
