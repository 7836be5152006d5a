package stream

import "github.com/cuemby/seedhost/pkg/types"

// Filter restricts a subscription to events of the listed types.
// A nil filter or an empty Types list delivers everything. A list holding
// the empty string matches only events whose type is explicitly "".
type Filter struct {
	Types []string `json:"eventTypes"`
}

func (f *Filter) matcher() func(types.NodeEvent) bool {
	if f == nil || len(f.Types) == 0 {
		return nil
	}

	set := make(map[string]struct{}, len(f.Types))
	for _, t := range f.Types {
		set[t] = struct{}{}
	}
	return func(event types.NodeEvent) bool {
		if !event.Typed {
			return false
		}
		_, ok := set[event.Type]
		return ok
	}
}
