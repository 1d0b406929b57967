package ingest

// SourceKind describes how a feedback source behaves across the pipeline.
//
// A small closed set of kinds replaces scattered string comparisons:
// high-intent sources skip the model gate when long enough, threaded
// sources get conversation context in the gate prompt, and native sources
// switch interpretation to item-level similarity.
type SourceKind struct {
	// Type is the stable source type identifier.
	Type string

	// HighIntent marks sources where users deliberately chose to submit
	// feedback (the product's own widget and API).
	HighIntent bool

	// Threaded marks conversational sources whose context envelope carries
	// a message thread.
	Threaded bool

	// Native marks items authored inside the product itself, as opposed to
	// pulled in by a connector.
	Native bool
}

// Known source kinds.
var sourceKinds = map[string]SourceKind{
	"widget":   {Type: "widget", HighIntent: true, Native: true},
	"api":      {Type: "api", HighIntent: true, Native: true},
	"intercom": {Type: "intercom", Threaded: true},
	"zendesk":  {Type: "zendesk", Threaded: true},
	"slack":    {Type: "slack", Threaded: true},
	"email":    {Type: "email"},
}

// KindOf resolves a source type to its kind. Unknown types behave as
// plain external connectors.
func KindOf(sourceType string) SourceKind {
	if kind, ok := sourceKinds[sourceType]; ok {
		return kind
	}
	return SourceKind{Type: sourceType}
}
