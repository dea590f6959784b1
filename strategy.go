package cloudname

import (
	"math/rand"
	"sort"

	"go.uber.org/atomic"

	"github.com/suyash-sneo/cloudname/hash"
)

// Names of the built-in strategies.
const (
	StrategyAll = "all"
	StrategyAny = "any"
)

// Strategy filters and orders the endpoints a resolution produced.
type Strategy interface {
	Name() string
	Filter(endpoints []Endpoint) []Endpoint
	Order(endpoints []Endpoint) []Endpoint
}

type allStrategy struct{}

// AllStrategy returns every endpoint unchanged.
func AllStrategy() Strategy { return allStrategy{} }

func (allStrategy) Name() string                     { return StrategyAll }
func (allStrategy) Filter(eps []Endpoint) []Endpoint { return eps }
func (allStrategy) Order(eps []Endpoint) []Endpoint  { return eps }

// Picker chooses one endpoint out of a non-empty list and returns its index.
type Picker interface {
	Pick(endpoints []Endpoint) int
}

type anyStrategy struct {
	picker Picker
}

// AnyStrategy reduces the list to a single endpoint chosen by picker. A nil
// picker selects uniformly at random.
func AnyStrategy(picker Picker) Strategy {
	if picker == nil {
		picker = RandomPicker()
	}
	return anyStrategy{picker: picker}
}

func (anyStrategy) Name() string { return StrategyAny }

func (s anyStrategy) Filter(eps []Endpoint) []Endpoint {
	if len(eps) <= 1 {
		return eps
	}
	sorted := sortedByKey(eps)
	i := s.picker.Pick(sorted)
	if i < 0 || i >= len(sorted) {
		i = 0
	}
	return []Endpoint{sorted[i]}
}

func (anyStrategy) Order(eps []Endpoint) []Endpoint { return eps }

func sortedByKey(eps []Endpoint) []Endpoint {
	out := append([]Endpoint(nil), eps...)
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

type randomPicker struct{}

// RandomPicker picks uniformly at random.
func RandomPicker() Picker { return randomPicker{} }

func (randomPicker) Pick(eps []Endpoint) int { return rand.Intn(len(eps)) }

type roundRobinPicker struct {
	next *atomic.Uint64
}

// RoundRobinPicker cycles through the endpoints in key order.
func RoundRobinPicker() Picker {
	return roundRobinPicker{next: atomic.NewUint64(0)}
}

func (p roundRobinPicker) Pick(eps []Endpoint) int {
	n := p.next.Inc() - 1
	return int(n % uint64(len(eps)))
}

type rendezvousPicker struct {
	key string
}

// RendezvousPicker keeps picking the same endpoint for key as long as it is
// available, and moves as few keys as possible when the set changes.
func RendezvousPicker(key string) Picker {
	return rendezvousPicker{key: key}
}

func (p rendezvousPicker) Pick(eps []Endpoint) int {
	return hash.Pick(p.key, endpointKeys(eps))
}

type preferenceStrategy struct {
	name string
	key  string
}

// PreferenceStrategy keeps every endpoint but orders them by rendezvous weight
// for key, so each client gets a stable failover order of its own.
func PreferenceStrategy(name, key string) Strategy {
	return preferenceStrategy{name: name, key: key}
}

func (s preferenceStrategy) Name() string { return s.name }

func (preferenceStrategy) Filter(eps []Endpoint) []Endpoint { return eps }

func (s preferenceStrategy) Order(eps []Endpoint) []Endpoint {
	out := make([]Endpoint, 0, len(eps))
	for _, i := range hash.Rank(s.key, endpointKeys(eps)) {
		out = append(out, eps[i])
	}
	return out
}

func endpointKeys(eps []Endpoint) []string {
	keys := make([]string, len(eps))
	for i, e := range eps {
		keys[i] = e.Key()
	}
	return keys
}
