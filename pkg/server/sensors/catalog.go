// Package sensors simulates the data sources of a device.
package sensors

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/IpsoVeritas/aquiles"
	"github.com/pkg/errors"
)

// Catalog is a fixed set of data sources producing simulated samples.
type Catalog struct {
	sources map[string]aquiles.DataSource

	lock *sync.Mutex
	rand *rand.Rand
	lat  float64
	lng  float64
}

// DefaultCatalog exposes a raw and a fused location source, a pedometer and a heart
// rate monitor.
func DefaultCatalog() *Catalog {
	return NewCatalog(time.Now().UnixNano(),
		aquiles.DataSource{ID: "gps", Name: "GPS", DataType: aquiles.DataTypeLocationSample, Type: aquiles.SourceTypeRaw},
		aquiles.DataSource{ID: "fused", Name: "Fused location", DataType: aquiles.DataTypeLocationSample, Type: aquiles.SourceTypeDerived},
		aquiles.DataSource{ID: "pedometer", Name: "Pedometer", DataType: aquiles.DataTypeStepCountDelta, Type: aquiles.SourceTypeRaw},
		aquiles.DataSource{ID: "hrm", Name: "Heart rate monitor", DataType: aquiles.DataTypeHeartRateBPM, Type: aquiles.SourceTypeRaw},
	)
}

func NewCatalog(seed int64, sources ...aquiles.DataSource) *Catalog {
	c := &Catalog{
		sources: make(map[string]aquiles.DataSource, len(sources)),
		lock:    &sync.Mutex{},
		rand:    rand.New(rand.NewSource(seed)),
		lat:     59.3293,
		lng:     18.0686,
	}
	for _, source := range sources {
		c.sources[source.ID] = source
	}
	return c
}

// Find returns the sources matching query, ordered by id.
func (c *Catalog) Find(query aquiles.DataSourceQuery) []aquiles.DataSource {
	found := make([]aquiles.DataSource, 0, len(c.sources))
	for _, source := range c.sources {
		if query.Matches(source) {
			found = append(found, source)
		}
	}
	sort.Slice(found, func(i, j int) bool {
		return found[i].ID < found[j].ID
	})
	return found
}

func (c *Catalog) Get(id string) (aquiles.DataSource, error) {
	source, ok := c.sources[id]
	if !ok {
		return aquiles.DataSource{}, errors.Wrapf(aquiles.ErrDataSourceNotFound, "%s", id)
	}
	return source, nil
}

// Resolve picks the source for a sensor registration: the named one when an id is
// given, otherwise the first raw source of the requested type.
func (c *Catalog) Resolve(registration aquiles.SensorRegistration) (aquiles.DataSource, error) {
	if registration.DataSourceID != "" {
		source, err := c.Get(registration.DataSourceID)
		if err != nil {
			return source, err
		}
		if registration.DataType != "" && source.DataType != registration.DataType {
			return aquiles.DataSource{}, errors.Errorf("data source %s produces %s, not %s", source.ID, source.DataType, registration.DataType)
		}
		return source, nil
	}

	candidates := c.Find(aquiles.DataSourceQuery{DataTypes: []aquiles.DataType{registration.DataType}})
	if len(candidates) == 0 {
		return aquiles.DataSource{}, errors.Wrapf(aquiles.ErrDataSourceNotFound, "no source for %s", registration.DataType)
	}
	for _, candidate := range candidates {
		if candidate.Type == aquiles.SourceTypeRaw {
			return candidate, nil
		}
	}
	return candidates[0], nil
}

// Sample produces the next simulated point of source at t.
func (c *Catalog) Sample(source aquiles.DataSource, t time.Time) aquiles.DataPoint {
	c.lock.Lock()
	defer c.lock.Unlock()

	values := make(map[string]float64)
	switch source.DataType {
	case aquiles.DataTypeLocationSample:
		c.lat += (c.rand.Float64() - 0.5) * 0.0002
		c.lng += (c.rand.Float64() - 0.5) * 0.0002
		values["latitude"] = c.lat
		values["longitude"] = c.lng
		values["accuracy"] = round(3 + c.rand.Float64()*12)
		values["altitude"] = round(20 + c.rand.Float64()*5)
	case aquiles.DataTypeStepCountDelta:
		values["steps"] = float64(c.rand.Intn(21))
	case aquiles.DataTypeHeartRateBPM:
		values["bpm"] = float64(60 + c.rand.Intn(41))
	}

	return aquiles.DataPoint{
		DataType:  source.DataType,
		SourceID:  source.ID,
		Timestamp: t.UTC(),
		Values:    values,
	}
}

func round(v float64) float64 {
	return math.Round(v*10) / 10
}
