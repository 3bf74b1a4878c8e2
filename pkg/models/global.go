package models

// GlobalContext is a pinned piece of run-wide context, eligible for inclusion
// in every unit's input package after direct dependency outputs.
type GlobalContext struct {
	Name    string `json:"name" yaml:"name"`
	Content string `json:"content" yaml:"content"`
}
