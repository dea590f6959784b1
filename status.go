package cloudname

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ServiceState is the lifecycle state a claimed instance publishes.
type ServiceState int

const (
	// StateUnassigned means nobody claims the coordinate. It is never stored;
	// it is what an absent status node reads as.
	StateUnassigned ServiceState = iota
	// StateStarting is written on claim while the process starts up.
	StateStarting
	// StateRunning instances are the only ones the resolver serves.
	StateRunning
	// StateDraining instances are shutting down and accept no new work.
	StateDraining
	// StateError signals an error condition in the instance.
	StateError
)

var serviceStateNames = map[ServiceState]string{
	StateUnassigned: "UNASSIGNED",
	StateStarting:   "STARTING",
	StateRunning:    "RUNNING",
	StateDraining:   "DRAINING",
	StateError:      "ERROR",
}

func (s ServiceState) String() string {
	if name, ok := serviceStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ServiceState(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s ServiceState) MarshalText() ([]byte, error) {
	name, ok := serviceStateNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown service state %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ServiceState) UnmarshalText(b []byte) error {
	for state, name := range serviceStateNames {
		if name == string(b) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown service state %q", string(b))
}

// ServiceStatus is the state plus a free-text message.
type ServiceStatus struct {
	State   ServiceState `json:"state"`
	Message string       `json:"message"`
}

// Endpoint is a named network endpoint published by a claimed instance.
type Endpoint struct {
	Coordinate Coordinate `json:"coordinate"`
	Name       string     `json:"name"`
	Host       string     `json:"host"`
	Port       int        `json:"port"`
	Protocol   string     `json:"protocol"`
	// Data is opaque metadata owned by the publisher.
	Data string `json:"data,omitempty"`
}

// Key identifies the endpoint across the namespace.
func (e Endpoint) Key() string {
	return e.Coordinate.String() + "/" + e.Name
}

// coordinateData is the payload of a status node.
type coordinateData struct {
	Status    ServiceStatus       `json:"status"`
	Endpoints map[string]Endpoint `json:"endpoints"`
}

func newCoordinateData(status ServiceStatus) coordinateData {
	return coordinateData{Status: status, Endpoints: map[string]Endpoint{}}
}

func decodeCoordinateData(b []byte) (coordinateData, error) {
	var d coordinateData
	if err := json.Unmarshal(b, &d); err != nil {
		return coordinateData{}, fmt.Errorf("%w: %w", ErrCoordinateCorrupted, err)
	}
	if d.Endpoints == nil {
		d.Endpoints = map[string]Endpoint{}
	}
	return d, nil
}

func (d coordinateData) encode() ([]byte, error) {
	return json.Marshal(d)
}

func (d coordinateData) clone() coordinateData {
	out := coordinateData{Status: d.Status, Endpoints: make(map[string]Endpoint, len(d.Endpoints))}
	for k, v := range d.Endpoints {
		out.Endpoints[k] = v
	}
	return out
}

func (d coordinateData) equal(o coordinateData) bool {
	if d.Status != o.Status || len(d.Endpoints) != len(o.Endpoints) {
		return false
	}
	for k, v := range d.Endpoints {
		if ov, ok := o.Endpoints[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// endpoints returns the endpoints sorted by name.
func (d coordinateData) endpoints() []Endpoint {
	out := make([]Endpoint, 0, len(d.Endpoints))
	for _, e := range d.Endpoints {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
