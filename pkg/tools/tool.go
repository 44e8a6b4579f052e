package tools

import "context"

// ParamType is the JSON type of a tool argument.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamNumber ParamType = "number"
)

// Param describes one tool argument.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
}

// Tool is the interface for all tools
type Tool interface {
	Name() string
	Description() string
	Params() []Param
	Run(ctx context.Context, args map[string]any) (string, error)
}
