package aquiles

import (
	"sort"
	"time"
)

// DataType names the kind of samples a data source produces.
type DataType string

const (
	DataTypeLocationSample DataType = "location.sample"
	DataTypeStepCountDelta DataType = "step_count.delta"
	DataTypeHeartRateBPM   DataType = "heart_rate.bpm"
)

// Fields returns the value names carried by points of this type.
func (t DataType) Fields() []string {
	switch t {
	case DataTypeLocationSample:
		return []string{"latitude", "longitude", "accuracy", "altitude"}
	case DataTypeStepCountDelta:
		return []string{"steps"}
	case DataTypeHeartRateBPM:
		return []string{"bpm"}
	default:
		return nil
	}
}

// SourceType tells whether a data source reads a sensor directly or derives its
// values from other sources.
type SourceType string

const (
	SourceTypeRaw     SourceType = "raw"
	SourceTypeDerived SourceType = "derived"
)

type DataSource struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	DataType DataType   `json:"dataType"`
	Type     SourceType `json:"type"`
}

type DataPoint struct {
	DataType  DataType           `json:"dataType"`
	SourceID  string             `json:"sourceID"`
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// FieldNames returns the names of the values in p, sorted.
func (p DataPoint) FieldNames() []string {
	names := make([]string, 0, len(p.Values))
	for name := range p.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DataPointListener receives the points of one sensor registration.
type DataPointListener func(point DataPoint)

// DataSourceQuery selects data sources. Empty slices match everything.
type DataSourceQuery struct {
	DataTypes   []DataType   `json:"dataTypes,omitempty"`
	SourceTypes []SourceType `json:"sourceTypes,omitempty"`
}

func (q DataSourceQuery) Matches(source DataSource) bool {
	if len(q.DataTypes) > 0 {
		found := false
		for _, t := range q.DataTypes {
			if t == source.DataType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(q.SourceTypes) > 0 {
		for _, t := range q.SourceTypes {
			if t == source.Type {
				return true
			}
		}
		return false
	}
	return true
}

// SensorRegistration asks the service to stream points from one data source.
type SensorRegistration struct {
	DataSourceID   string        `json:"dataSourceID,omitempty"`
	DataType       DataType      `json:"dataType"`
	SamplingPeriod time.Duration `json:"samplingPeriod"`
}

// HistoryQuery reads recorded points of a data type in [Start, End). A zero End means
// up to now.
type HistoryQuery struct {
	DataType DataType  `json:"dataType"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end,omitempty"`
	Limit    int       `json:"limit,omitempty"`
}
