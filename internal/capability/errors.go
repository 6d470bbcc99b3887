package capability

import (
	"errors"
	"fmt"
)

// ErrRegistrySealed is returned by Register once the registry is sealed.
var ErrRegistrySealed = errors.New("capability registry is sealed")

// DuplicateToolError is returned when a tool id is registered twice.
type DuplicateToolError struct {
	ToolID string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("duplicate tool %q", e.ToolID)
}

// UnknownToolError is returned when a tool id is not registered.
type UnknownToolError struct {
	ToolID string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.ToolID)
}

// SchemaError reports a parameter set that does not conform to the tool's
// schema, or a malformed descriptor.
type SchemaError struct {
	ToolID string
	Param  string // Empty for descriptor-level errors.
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Param == "" {
		return fmt.Sprintf("schema: tool %q: %s", e.ToolID, e.Reason)
	}
	return fmt.Sprintf("schema: tool %q param %q: %s", e.ToolID, e.Param, e.Reason)
}
