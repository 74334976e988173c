package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Services is the capability list of an instance. Directories publish it
// either as a list of names or as a map of name to enabled flag; both
// decode to the sorted list of enabled names.
type Services []string

// UnmarshalJSON accepts a string array or an object of booleans
func (s *Services) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}

	var flags map[string]bool
	if err := json.Unmarshal(data, &flags); err != nil {
		return fmt.Errorf("services must be a list or a map of flags: %w", err)
	}
	*s = fromFlags(flags)
	return nil
}

// UnmarshalYAML accepts a sequence or a mapping of booleans
func (s *Services) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	case yaml.MappingNode:
		var flags map[string]bool
		if err := value.Decode(&flags); err != nil {
			return err
		}
		*s = fromFlags(flags)
		return nil
	default:
		return fmt.Errorf("services must be a list or a map of flags, got %s", value.Tag)
	}
}

func fromFlags(flags map[string]bool) Services {
	list := make(Services, 0, len(flags))
	for name, enabled := range flags {
		if enabled {
			list = append(list, name)
		}
	}
	sort.Strings(list)
	return list
}

// Has reports whether the named service is supported
func (s Services) Has(name string) bool {
	for _, service := range s {
		if strings.EqualFold(service, name) {
			return true
		}
	}
	return false
}
